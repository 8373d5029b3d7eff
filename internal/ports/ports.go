package ports

import (
	"context"

	"github.com/bft-labs/replmaster/internal/domain"
	"github.com/bft-labs/replmaster/internal/protocol"
)

// Transmitter is one outbound session to the slave. Instances are
// single-use: once Connect or Send fails the instance is discarded and
// recovery constructs a fresh one.
type Transmitter interface {
	// Connect establishes the session within the transmitter's connect
	// timeout. Returns domain.ErrConnectTimeout when the deadline
	// expires, domain.ErrConnect for any other transport failure.
	Connect(ctx context.Context) error

	// Send writes one fully framed message. Returns domain.ErrSend on
	// any I/O fault; partial writes are never exposed.
	Send(m protocol.Message) error

	// Close releases the session. Safe to call on a never-connected or
	// already-failed transmitter.
	Close() error
}

// LogSink receives log writes and durability notifications from the
// storage engine's log subsystem. The master controller implements it.
//
// Both methods run on the engine's log-write path and must neither
// block under normal operation nor return errors to the caller.
type LogSink interface {
	// AppendLog hands over log[offset:offset+length], whose last record
	// has the given instant. The bytes are copied before return.
	AppendLog(greatestInstant domain.Instant, log []byte, offset, length int)

	// FlushedTo reports that records up to instant are durable on the
	// primary.
	FlushedTo(instant domain.Instant)
}

// LogSource is the primary's log subsystem. The controller registers
// itself at start so all log writes and flush notifications are routed
// to it, and releases the role at stop.
type LogSource interface {
	// StartReplicationMasterRole routes future log writes and flush
	// notifications to sink.
	StartReplicationMasterRole(sink LogSink) error

	// StopReplicationMasterRole releases the replication role.
	StopReplicationMasterRole()
}

// RawStore is the storage engine instance being replicated. The
// controller holds it for the lifetime of the master role; later
// protocol stages (initial database shipment) will use it.
type RawStore interface{}

// DataStore is the engine's data-file subsystem, held alongside
// RawStore for the same later stages.
type DataStore interface{}
