// Package protocol defines the framed messages exchanged between the
// replication master and its slave.
//
// Every message is one frame on the wire:
//
//	[1 byte type tag][4 bytes big-endian payload length][payload]
//
// Receivers determine boundaries from the length prefix alone, so new
// tags can be added without breaking existing peers: an unknown tag is
// skipped by consuming its payload.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bft-labs/replmaster/internal/domain"
)

// MessageType tags the kind of a replication message.
type MessageType uint8

const (
	// TypeLog carries one serialized log chunk: an 8-byte big-endian
	// instant followed by the raw chunk bytes.
	TypeLog MessageType = iota + 1

	// TypeStop tells the slave to close its session gracefully. No payload.
	TypeStop

	// TypeHandshake is sent once after connecting; the payload is the
	// master database name in UTF-8.
	TypeHandshake

	// TypePing is reserved for keepalive probes. No payload.
	TypePing
)

// String returns the tag name for diagnostics.
func (t MessageType) String() string {
	switch t {
	case TypeLog:
		return "LOG"
	case TypeStop:
		return "STOP"
	case TypeHandshake:
		return "HANDSHAKE"
	case TypePing:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// maxPayloadBytes bounds a single frame so a corrupt length prefix
// cannot trigger an unbounded allocation on the read side.
const maxPayloadBytes = 16 << 20

const headerLen = 5

// Message is a tagged envelope with an opaque payload. Control messages
// carry an empty payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// NewLogMessage serializes a chunk into a LOG message.
func NewLogMessage(c domain.Chunk) Message {
	payload := make([]byte, 8+len(c.Data))
	binary.BigEndian.PutUint64(payload, uint64(c.GreatestInstant))
	copy(payload[8:], c.Data)
	return Message{Type: TypeLog, Payload: payload}
}

// NewStopMessage creates the STOP control message.
func NewStopMessage() Message {
	return Message{Type: TypeStop}
}

// NewHandshakeMessage creates the HANDSHAKE message for the given
// database name.
func NewHandshakeMessage(dbName string) Message {
	return Message{Type: TypeHandshake, Payload: []byte(dbName)}
}

// Chunk decodes the log chunk carried by a LOG message.
func (m Message) Chunk() (domain.Chunk, error) {
	if m.Type != TypeLog {
		return domain.Chunk{}, fmt.Errorf("message type %s carries no chunk", m.Type)
	}
	if len(m.Payload) < 8 {
		return domain.Chunk{}, fmt.Errorf("log payload too short: %d bytes", len(m.Payload))
	}
	return domain.Chunk{
		GreatestInstant: domain.Instant(binary.BigEndian.Uint64(m.Payload)),
		Data:            m.Payload[8:],
	}, nil
}

// Write frames and writes one message. The message is either written
// whole or the error reports a failed send; callers treat any error as a
// broken session.
func Write(w io.Writer, m Message) error {
	if len(m.Payload) > maxPayloadBytes {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(m.Payload))
	}
	frame := make([]byte, headerLen+len(m.Payload))
	frame[0] = byte(m.Type)
	binary.BigEndian.PutUint32(frame[1:headerLen], uint32(len(m.Payload)))
	copy(frame[headerLen:], m.Payload)
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}

// Read reads one framed message. Unknown tags are returned to the
// caller as-is; skipping them is a receive-side policy, not a framing
// concern.
func Read(r io.Reader) (Message, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxPayloadBytes {
		return Message{}, fmt.Errorf("frame length %d exceeds limit", length)
	}
	m := Message{Type: MessageType(header[0])}
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}
