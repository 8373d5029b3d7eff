package master

import (
	"fmt"
	"time"

	"github.com/bft-labs/replmaster/internal/buffer"
	"github.com/bft-labs/replmaster/internal/domain"
)

// ModeAsynchronous is the only replication mode currently supported: log
// shipment is decoupled in time from local durability.
const ModeAsynchronous = "asynchronous"

// Config holds the boot-time configuration of the replication master.
// Use DefaultConfig() for the defaults, then set ReplicationMode,
// SlaveHost, SlavePort, and DatabaseName.
type Config struct {
	// ReplicationMode selects the shipping strategy. Only
	// ModeAsynchronous is accepted.
	ReplicationMode string

	// SlaveHost is the replica's hostname or address.
	SlaveHost string

	// SlavePort is the replica's TCP port. There is no default: an
	// unset port is a configuration defect, not a fallback.
	SlavePort int

	// DatabaseName identifies the replicated database in diagnostics
	// and in the connection handshake.
	DatabaseName string

	// BufferSize is the log buffer capacity in bytes.
	BufferSize int

	// ShipInterval is how long the shipper idles before draining the
	// buffer unprompted. It bounds replication lag under low write
	// volume and may be retuned at runtime via the config watcher.
	ShipInterval time.Duration

	// ConnectTimeout bounds every connection attempt, initial and
	// reconnect alike.
	ConnectTimeout time.Duration

	// WriteTimeout bounds each transmit so a stuck send cannot block
	// the shipper indefinitely.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds how long StopMaster waits for the shipper
	// to finish its last cycle.
	ShutdownTimeout time.Duration

	// StateDir, when set, is where the shipping watermarks are
	// persisted across restarts. Empty disables persistence.
	StateDir string
}

// DefaultConfig returns a Config with default values. The slave
// endpoint, database name, and mode must still be provided.
func DefaultConfig() Config {
	return Config{
		BufferSize:      buffer.DefaultCapacity,
		ShipInterval:    1000 * time.Millisecond,
		ConnectTimeout:  5000 * time.Millisecond,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// CanSupport reports whether this controller implementation can serve
// the requested configuration, which currently means asynchronous mode.
func (c Config) CanSupport() bool {
	return c.ReplicationMode == ModeAsynchronous
}

// Validate checks the configuration and fills derived defaults. All
// failures wrap domain.ErrInvalidConfig except a present-but-unsupported
// mode, which wraps domain.ErrUnsupportedMode.
func (c *Config) Validate() error {
	if c.ReplicationMode == "" {
		return fmt.Errorf("%w: replication mode is required", domain.ErrInvalidConfig)
	}
	if !c.CanSupport() {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedMode, c.ReplicationMode)
	}
	if c.SlaveHost == "" {
		return fmt.Errorf("%w: slave host is required", domain.ErrInvalidConfig)
	}
	if c.SlavePort <= 0 || c.SlavePort > 65535 {
		return fmt.Errorf("%w: slave port %d out of range", domain.ErrInvalidConfig, c.SlavePort)
	}
	if c.DatabaseName == "" {
		return fmt.Errorf("%w: database name is required", domain.ErrInvalidConfig)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = buffer.DefaultCapacity
	}
	if c.ShipInterval <= 0 {
		return fmt.Errorf("%w: ship interval must be positive", domain.ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", domain.ErrInvalidConfig)
	}
	return nil
}
