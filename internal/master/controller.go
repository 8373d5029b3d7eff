package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/replmaster/internal/buffer"
	"github.com/bft-labs/replmaster/internal/domain"
	"github.com/bft-labs/replmaster/internal/ports"
	"github.com/bft-labs/replmaster/internal/protocol"
	repstate "github.com/bft-labs/replmaster/internal/state"
	"github.com/bft-labs/replmaster/internal/transport"
	"github.com/bft-labs/replmaster/pkg/log"
)

// TransmitterFactory builds a fresh transmitter for the configured slave
// endpoint. Every connection attempt, initial and reconnect alike, uses
// a brand-new instance.
type TransmitterFactory func(cfg Config) ports.Transmitter

// Option configures optional behavior of the controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTransmitterFactory replaces the TCP transmitter factory, mainly
// for tests that stand in a fake transport.
func WithTransmitterFactory(f TransmitterFactory) Option {
	return func(c *Controller) {
		c.newTransmitter = f
	}
}

// Controller orchestrates the replication master role: it owns the log
// buffer, the shipper task, and the active transmitter, and it decides
// retry versus terminate when shipping fails.
//
// The storage engine drives it through StartMaster/StopMaster and, once
// registered as the log sink, through AppendLog/FlushedTo on the
// log-write path. Those two never block under normal operation and never
// surface errors to the engine: replication must not regress the
// primary's availability.
type Controller struct {
	cfg            Config
	logger         log.Logger
	newTransmitter TransmitterFactory

	// stopFlag is the single source of truth for "stop requested",
	// read by both the foreground stop path and the background
	// reconnection loop. stopc mirrors it for select-based waits.
	stopFlag atomic.Bool

	mu         sync.Mutex
	state      State
	stopc      chan struct{}
	buf        *buffer.LogBuffer
	shipper    *Shipper
	tr         ports.Transmitter
	logSource  ports.LogSource
	rawStore   ports.RawStore
	dataStore  ports.DataStore
	watermarks *repstate.FileRepository
}

// New creates a controller for the given configuration. The
// configuration is validated when the master role starts, not here.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		logger: log.NewNoopLogger(),
		state:  StateStopped,
	}
	c.newTransmitter = func(cfg Config) ports.Transmitter {
		return transport.New(cfg.SlaveHost, cfg.SlavePort, cfg.DatabaseName,
			cfg.ConnectTimeout, cfg.WriteTimeout, c.logger)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartMaster performs all the work needed to set up replication:
// validates the configuration, creates the log buffer, registers with
// the log subsystem, connects to the slave, and starts the shipper.
// Replication is up and running when it returns nil.
//
// rawStore and dataStore are held for later protocol stages; logSource
// is the subsystem that will route log writes to this controller.
func (c *Controller) StartMaster(rawStore ports.RawStore, dataStore ports.DataStore, logSource ports.LogSource) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	c.transitionLocked(StateStarting)
	c.mu.Unlock()

	if err := c.cfg.Validate(); err != nil {
		return c.failStartup(err)
	}
	if logSource == nil {
		return c.failStartup(fmt.Errorf("%w: log source is required", domain.ErrInvalidConfig))
	}

	c.stopFlag.Store(false)
	buf := buffer.New(c.cfg.BufferSize)

	// The buffer must be in place before the role is registered: the
	// log subsystem may route writes immediately, and anything appended
	// during the connect window has to survive into the first drain.
	c.mu.Lock()
	c.buf = buf
	c.stopc = nil // a previous run's channel is already closed
	c.mu.Unlock()

	if err := logSource.StartReplicationMasterRole(c); err != nil {
		c.clearBuffer()
		return c.failStartup(fmt.Errorf("register replication master role: %w", err))
	}

	tr, err := c.setupConnection()
	if err != nil {
		logSource.StopReplicationMasterRole()
		c.clearBuffer()
		return c.failStartup(err)
	}

	var watermarks *repstate.FileRepository
	if c.cfg.StateDir != "" {
		watermarks = repstate.NewFileRepository(c.cfg.StateDir)
		if prior, err := watermarks.Load(); err != nil {
			c.logger.Warn("load watermarks failed", log.Err(err))
		} else if !prior.IsEmpty() {
			c.logger.Info("prior shipping watermarks",
				log.Uint64("flushed_instant", uint64(prior.FlushedInstant)),
				log.Uint64("shipped_instant", uint64(prior.ShippedInstant)))
		}
	}

	shipper := NewShipper(buf, tr, c.cfg.ShipInterval, c.logger, c.handleFailure)

	c.mu.Lock()
	c.stopc = make(chan struct{})
	c.shipper = shipper
	c.tr = tr
	c.logSource = logSource
	c.rawStore = rawStore
	c.dataStore = dataStore
	c.watermarks = watermarks
	c.transitionLocked(StateRunning)
	c.mu.Unlock()

	shipper.Start()
	if buf.Len() > 0 {
		shipper.Notify()
	}

	c.logger.Info("replication master started",
		log.String("db", c.cfg.DatabaseName),
		log.String("slave", fmt.Sprintf("%s:%d", c.cfg.SlaveHost, c.cfg.SlavePort)))
	return nil
}

// StopMaster shuts replication down unconditionally: remaining buffered
// data is flushed, the shipper is stopped, and the slave is told to
// close its session. Errors along the way are logged and swallowed; the
// controller always ends up Stopped.
func (c *Controller) StopMaster() error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateStarting {
		c.mu.Unlock()
		return domain.ErrNotRunning
	}
	// The stop flag goes up before anything else so an in-flight
	// reconnection loop exits instead of installing a new session.
	if c.stopFlag.CompareAndSwap(false, true) {
		if c.stopc != nil {
			close(c.stopc)
		}
	}
	c.transitionLocked(StateStopping)
	logSource := c.logSource
	shipper := c.shipper
	c.logSource = nil
	c.mu.Unlock()

	if logSource != nil {
		logSource.StopReplicationMasterRole()
	}

	if shipper != nil {
		if err := shipper.ForceFlush(); err != nil {
			c.logger.Error("flush on stop failed", log.Err(err), log.String("db", c.cfg.DatabaseName))
		}
		shipper.Stop()
		select {
		case <-shipper.Done():
		case <-time.After(c.cfg.ShutdownTimeout):
			c.logger.Warn("shipper did not stop in time",
				log.Duration("timeout", c.cfg.ShutdownTimeout))
		}
	}

	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	watermarks := c.watermarks
	c.mu.Unlock()

	if tr != nil {
		if err := tr.Send(protocol.NewStopMessage()); err != nil {
			c.logger.Error("stop message to slave failed", log.Err(err), log.String("db", c.cfg.DatabaseName))
		}
		if err := tr.Close(); err != nil {
			c.logger.Error("close connection failed", log.Err(err))
		}
	}

	if watermarks != nil && shipper != nil {
		flushed, shipped := shipper.Watermarks()
		if err := watermarks.Save(repstate.Watermarks{FlushedInstant: flushed, ShippedInstant: shipped}); err != nil {
			c.logger.Error("save watermarks failed", log.Err(err))
		}
	}

	c.mu.Lock()
	c.buf = nil
	c.shipper = nil
	c.transitionLocked(StateStopped)
	c.mu.Unlock()

	c.logger.Info("replication master stopped", log.String("db", c.cfg.DatabaseName))
	return nil
}

// AppendLog copies a chunk of log records into the buffer. Chunks are
// accepted from the moment the master role is registered, which includes
// the connect window before the shipper exists. A full buffer is
// resolved by forcing a flush and retrying the append once; if the flush
// itself fails replication cannot keep its no-loss promise and the
// master is stopped. Nothing is ever raised to the storage engine.
func (c *Controller) AppendLog(greatestInstant domain.Instant, logData []byte, offset, length int) {
	c.mu.Lock()
	buf := c.buf
	shipper := c.shipper
	accepting := c.state == StateRunning || c.state == StateStarting
	c.mu.Unlock()
	if !accepting || buf == nil {
		return
	}

	err := buf.Append(greatestInstant, logData, offset, length)
	if err == nil {
		if shipper != nil {
			shipper.Notify()
		}
		return
	}
	if !errors.Is(err, domain.ErrBufferFull) {
		c.logger.Error("log chunk rejected", log.Err(err),
			log.Uint64("instant", uint64(greatestInstant)))
		return
	}
	if shipper == nil {
		// Overflow while still connecting: there is no session to
		// flush into yet, so the chunk cannot be saved.
		c.logger.Error("log buffer full before shipping started", log.Err(err),
			log.Uint64("instant", uint64(greatestInstant)))
		return
	}

	if ferr := shipper.ForceFlush(); ferr != nil {
		c.unrecoverable(ferr)
		return
	}
	if err := buf.Append(greatestInstant, logData, offset, length); err != nil {
		c.unrecoverable(err)
		return
	}
	shipper.Notify()
}

// FlushedTo records that log records up to instant are durable on the
// primary. In asynchronous mode the shipper ships at its own cadence, so
// this never blocks the caller.
func (c *Controller) FlushedTo(instant domain.Instant) {
	c.mu.Lock()
	shipper := c.shipper
	c.mu.Unlock()
	if shipper != nil {
		shipper.FlushedInstant(instant)
	}
}

// State returns the controller's lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watermarks returns the current durability and shipping watermarks, or
// zeros when the master is not running.
func (c *Controller) Watermarks() (flushed, shipped domain.Instant) {
	c.mu.Lock()
	shipper := c.shipper
	c.mu.Unlock()
	if shipper == nil {
		return 0, 0
	}
	return shipper.Watermarks()
}

// SetShipInterval retunes the shipper's idle wake interval at runtime.
// Used by the config watcher; a no-op when the master is not running.
func (c *Controller) SetShipInterval(d time.Duration) {
	c.mu.Lock()
	shipper := c.shipper
	c.mu.Unlock()
	if shipper != nil {
		shipper.SetInterval(d)
	}
}

// setupConnection constructs a transmitter and connects within the
// configured timeout. The error carries the connect-timeout versus
// connect-error distinction from the transport.
func (c *Controller) setupConnection() (ports.Transmitter, error) {
	tr := c.newTransmitter(c.cfg)
	if err := tr.Connect(context.Background()); err != nil {
		tr.Close()
		return nil, err
	}
	return tr, nil
}

// handleFailure is the single escalation point for errors from the
// shipper's autonomous cycles. Transport failures enter the reconnection
// loop; anything else tears replication down.
func (c *Controller) handleFailure(err error) {
	if c.stopFlag.Load() {
		return
	}
	if !domain.IsTransient(err) {
		c.unrecoverableAsync(err)
		return
	}

	c.logger.Error("log shipment failed", log.Err(err), log.String("db", c.cfg.DatabaseName))
	c.logger.Info("attempting to reconnect to slave",
		log.String("slave", fmt.Sprintf("%s:%d", c.cfg.SlaveHost, c.cfg.SlavePort)))

	c.mu.Lock()
	stopc := c.stopc
	shipper := c.shipper
	c.mu.Unlock()
	if shipper == nil {
		return
	}

	back := newBackoff(100*time.Millisecond, 2*time.Second)
	for !c.stopFlag.Load() {
		tr, cerr := c.setupConnection()
		if cerr == nil {
			c.mu.Lock()
			old := c.tr
			c.tr = tr
			c.mu.Unlock()
			if old != nil {
				old.Close()
			}
			shipper.SetTransmitter(tr)
			c.logger.Info("reconnected to slave", log.String("db", c.cfg.DatabaseName))
			return
		}
		if !domain.IsTransient(cerr) {
			c.unrecoverableAsync(cerr)
			return
		}
		c.logger.Warn("reconnect attempt failed", log.Err(cerr))
		select {
		case <-stopc:
			return
		case <-time.After(back.Next()):
		}
	}
}

// unrecoverable logs the error and stops the master. Must not be called
// from the shipper goroutine; StopMaster waits for that goroutine to
// exit.
func (c *Controller) unrecoverable(err error) {
	c.logger.Error("unrecoverable replication error, stopping master",
		log.Err(err), log.String("db", c.cfg.DatabaseName))
	_ = c.StopMaster()
}

// unrecoverableAsync is the shipper-goroutine-safe variant: the stop
// runs on its own goroutine so StopMaster's wait for the shipper cannot
// deadlock against the caller.
func (c *Controller) unrecoverableAsync(err error) {
	c.logger.Error("unrecoverable replication error, stopping master",
		log.Err(err), log.String("db", c.cfg.DatabaseName))
	go func() { _ = c.StopMaster() }()
}

func (c *Controller) transitionLocked(to State) {
	if !validTransition(c.state, to) {
		c.logger.Warn("invalid state transition",
			log.String("from", c.state.String()), log.String("to", to.String()))
		return
	}
	from := c.state
	c.state = to
	c.logger.Debug("state transition",
		log.String("from", from.String()), log.String("to", to.String()))
}

// clearBuffer drops the buffer installed for a start attempt that
// failed before the shipper existed.
func (c *Controller) clearBuffer() {
	c.mu.Lock()
	c.buf = nil
	c.mu.Unlock()
}

// failStartup unwinds a failed StartMaster back to Stopped.
func (c *Controller) failStartup(err error) error {
	c.mu.Lock()
	c.transitionLocked(StateStopped)
	c.mu.Unlock()
	return err
}
