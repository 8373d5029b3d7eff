// Package replmaster implements the master side of asynchronous
// database log replication: buffered, in-order shipment of transaction
// log chunks to a slave replica over TCP.
//
// Example usage:
//
//	cfg := replmaster.DefaultConfig()
//	cfg.ReplicationMode = replmaster.ModeAsynchronous
//	cfg.SlaveHost = "10.0.0.7"
//	cfg.SlavePort = 4851
//	cfg.DatabaseName = "salesdb"
//
//	c := replmaster.New(cfg)
//	if err := c.StartMaster(nil, nil, logSource); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.StopMaster()
//
// The storage engine registers the controller as its log sink via the
// LogSource it passes to StartMaster, then feeds log records through
// AppendLog/FlushedTo. Shipping failures are absorbed and retried in the
// background; the engine is never slowed down or handed an error.
package replmaster

import (
	"github.com/bft-labs/replmaster/internal/domain"
	"github.com/bft-labs/replmaster/internal/master"
	"github.com/bft-labs/replmaster/internal/ports"
)

// Instant identifies a position in the transaction log. Higher means
// later; the exact encoding is the storage engine's business.
type Instant = domain.Instant

// LogSink receives log records from the storage engine. The controller
// implements it once registered as the master role.
type LogSink = ports.LogSink

// LogSource is the storage engine's log subsystem, which routes log
// writes to a registered sink for the duration of the master role.
type LogSource = ports.LogSource

// Config holds the replication master's configuration. Use
// DefaultConfig() and set the slave endpoint, database name, and mode.
type Config = master.Config

// Controller orchestrates the master role: buffer, shipper, connection.
type Controller = master.Controller

// State is the controller's lifecycle state.
type State = master.State

// Option configures optional controller behavior.
type Option = master.Option

// Lifecycle states, as reported by Controller.State.
const (
	StateStopped  = master.StateStopped
	StateStarting = master.StateStarting
	StateRunning  = master.StateRunning
	StateStopping = master.StateStopping
)

// ModeAsynchronous is the only supported replication mode.
const ModeAsynchronous = master.ModeAsynchronous

// New creates a controller for the given configuration.
func New(cfg Config, opts ...Option) *Controller {
	return master.New(cfg, opts...)
}

// DefaultConfig returns a Config with default values. The slave
// endpoint, database name, and mode must still be provided.
func DefaultConfig() Config {
	return master.DefaultConfig()
}

// WithLogger sets the controller's logger.
var WithLogger = master.WithLogger
