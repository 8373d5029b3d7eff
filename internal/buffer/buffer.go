// Package buffer implements the bounded, ordered accumulator that sits
// between the storage engine's log-write path and the log shipper.
package buffer

import (
	"fmt"
	"sync"

	"github.com/bft-labs/replmaster/internal/domain"
)

// DefaultCapacity is the buffer capacity used when none is configured.
const DefaultCapacity = 32 << 10 // 32 KiB

// LogBuffer accumulates log-record chunks in append order until the
// shipper drains them. Append never blocks: when a chunk does not fit in
// the remaining capacity the call fails with domain.ErrBufferFull so the
// caller (on the transaction commit path) is not stalled.
//
// One foreground appender and one background drainer may run
// concurrently; all state is guarded by a single mutex.
type LogBuffer struct {
	mu       sync.Mutex
	chunks   []domain.Chunk
	used     int
	capacity int
}

// New creates a LogBuffer with the given capacity in bytes.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LogBuffer{capacity: capacity}
}

// Append copies data[offset:offset+length] into the buffer, tagged with
// greatestInstant. Returns domain.ErrBufferFull when the chunk does not
// fit in the remaining capacity; the buffer is left unchanged in that
// case.
func (b *LogBuffer) Append(greatestInstant domain.Instant, data []byte, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(data) {
		return fmt.Errorf("log range [%d:%d) out of bounds for %d bytes", offset, offset+length, len(data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.used+length > b.capacity {
		return fmt.Errorf("%w: %d pending + %d requested > %d capacity",
			domain.ErrBufferFull, b.used, length, b.capacity)
	}

	chunk := domain.Chunk{
		GreatestInstant: greatestInstant,
		Data:            append([]byte(nil), data[offset:offset+length]...),
	}
	b.chunks = append(b.chunks, chunk)
	b.used += length
	return nil
}

// Drain removes and returns the oldest pending chunk. The second return
// value is false when the buffer is empty. Chunks come out in append
// order, which is non-decreasing instant order.
func (b *LogBuffer) Drain() (domain.Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return domain.Chunk{}, false
	}
	chunk := b.chunks[0]
	b.chunks[0] = domain.Chunk{}
	b.chunks = b.chunks[1:]
	b.used -= chunk.Len()
	if len(b.chunks) == 0 {
		b.chunks = nil
	}
	return chunk, true
}

// Len returns the number of pending chunks.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// UsedBytes returns the number of payload bytes currently buffered.
func (b *LogBuffer) UsedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Capacity returns the configured capacity in bytes.
func (b *LogBuffer) Capacity() int {
	return b.capacity
}
