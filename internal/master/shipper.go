package master

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/replmaster/internal/buffer"
	"github.com/bft-labs/replmaster/internal/domain"
	"github.com/bft-labs/replmaster/internal/ports"
	"github.com/bft-labs/replmaster/internal/protocol"
	"github.com/bft-labs/replmaster/pkg/log"
)

// Shipper is the background task that moves chunks from the log buffer
// to the transmitter. It wakes when new data is appended or after the
// ship interval when idle, whichever comes first, so replication lag
// stays bounded even under low write volume.
//
// The shipper never retries a failed transmission itself: it reports the
// error once through the failure callback and suspends until a
// replacement transmitter is installed or it is stopped. A chunk whose
// send failed is kept as pending and goes out first on the new session,
// so nothing is lost or reordered across a reconnect.
type Shipper struct {
	buf       *buffer.LogBuffer
	logger    log.Logger
	onFailure func(error)

	interval atomic.Int64 // nanoseconds; retunable at runtime

	// Watermarks are atomics, not mu-guarded: FlushedInstant runs on
	// the engine's log-write path and must not wait out a transmission
	// in flight under mu.
	flushedInstant atomic.Uint64
	shippedInstant atomic.Uint64

	wake     chan struct{}
	stopc    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	tr        ports.Transmitter
	pending   *domain.Chunk
	suspended bool
}

// NewShipper creates a shipper draining buf into tr. onFailure is called
// at most once per failed autonomous cycle, from the shipper goroutine.
func NewShipper(buf *buffer.LogBuffer, tr ports.Transmitter, interval time.Duration, logger log.Logger, onFailure func(error)) *Shipper {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	s := &Shipper{
		buf:       buf,
		logger:    logger,
		onFailure: onFailure,
		tr:        tr,
		wake:      make(chan struct{}, 1),
		stopc:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.interval.Store(int64(interval))
	return s
}

// Start launches the shipping goroutine.
func (s *Shipper) Start() {
	go s.run()
}

func (s *Shipper) run() {
	defer close(s.done)

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-s.stopc:
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if !s.isSuspended() {
			if err := s.shipAll(); err != nil && s.onFailure != nil {
				s.onFailure(err)
			}
		}

		timer.Reset(s.Interval())
	}
}

// Notify wakes the shipper because new data was appended. Never blocks.
func (s *Shipper) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ForceFlush synchronously drains and ships everything buffered,
// returning the first send error encountered. Used to resolve a full
// buffer by making room rather than dropping data, and to drain before
// shutdown.
func (s *Shipper) ForceFlush() error {
	return s.shipAll()
}

// shipAll sends the pending chunk (if any) and then every buffered chunk
// in append order. On failure the unsent chunk is retained as pending
// and the shipper suspends.
func (s *Shipper) shipAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		var chunk domain.Chunk
		if s.pending != nil {
			chunk = *s.pending
		} else {
			c, ok := s.buf.Drain()
			if !ok {
				return nil
			}
			chunk = c
		}

		if err := s.tr.Send(protocol.NewLogMessage(chunk)); err != nil {
			s.pending = &chunk
			s.suspended = true
			return err
		}
		s.pending = nil
		storeMax(&s.shippedInstant, chunk.GreatestInstant)
	}
}

// FlushedInstant records the highest instant known durable on the
// primary. In asynchronous mode it does not force shipment; a future
// synchronous mode would ship up to instant before returning. Never
// blocks, even while a transmission is in flight.
func (s *Shipper) FlushedInstant(instant domain.Instant) {
	storeMax(&s.flushedInstant, instant)
}

// storeMax advances a watermark monotonically.
func storeMax(w *atomic.Uint64, instant domain.Instant) {
	for {
		cur := w.Load()
		if uint64(instant) <= cur || w.CompareAndSwap(cur, uint64(instant)) {
			return
		}
	}
}

// SetTransmitter installs a replacement session after a reconnect and
// resumes shipping. The failed transmitter is not closed here; its owner
// replaces instances wholesale.
func (s *Shipper) SetTransmitter(tr ports.Transmitter) {
	s.mu.Lock()
	s.tr = tr
	s.suspended = false
	s.mu.Unlock()
	s.Notify()
}

// Stop signals the task to finish its current cycle and terminate. It
// does not flush remaining data; call ForceFlush first for a clean
// drain. Observed within one wake cycle.
func (s *Shipper) Stop() {
	s.stopOnce.Do(func() { close(s.stopc) })
}

// Done is closed when the shipping goroutine has terminated.
func (s *Shipper) Done() <-chan struct{} {
	return s.done
}

// Watermarks returns the durability and shipping watermarks. The two are
// independent: asynchronous mode may ship ahead of or behind durability.
func (s *Shipper) Watermarks() (flushed, shipped domain.Instant) {
	return domain.Instant(s.flushedInstant.Load()), domain.Instant(s.shippedInstant.Load())
}

// Interval returns the current idle wake interval.
func (s *Shipper) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval retunes the idle wake interval; non-positive values are
// ignored. Takes effect on the next cycle.
func (s *Shipper) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.interval.Store(int64(d))
	s.logger.Debug("ship interval updated", log.Duration("interval", d))
}

func (s *Shipper) isSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}
