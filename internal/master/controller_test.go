package master

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/replmaster/internal/domain"
	"github.com/bft-labs/replmaster/internal/ports"
	"github.com/bft-labs/replmaster/internal/protocol"
)

// fakeLogSource records replication-role registration. An onStart hook,
// when set, runs against the sink during registration the way an eager
// engine routes writes the moment the role is taken.
type fakeLogSource struct {
	mu       sync.Mutex
	sink     ports.LogSink
	startErr error
	started  int
	stopped  int
	onStart  func(ports.LogSink)
}

func (f *fakeLogSource) StartReplicationMasterRole(sink ports.LogSink) error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.sink = sink
	f.started++
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart(sink)
	}
	return nil
}

func (f *fakeLogSource) StopReplicationMasterRole() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = nil
	f.stopped++
}

// transmitterQueue hands out fakes in order; the last entry repeats.
type transmitterQueue struct {
	mu    sync.Mutex
	queue []*fakeTransmitter
	calls int
}

func (q *transmitterQueue) factory(Config) ports.Transmitter {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if len(q.queue) > 1 {
		tr := q.queue[0]
		q.queue = q.queue[1:]
		return tr
	}
	return q.queue[0]
}

func (q *transmitterQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReplicationMode = ModeAsynchronous
	cfg.SlaveHost = "replica.example"
	cfg.SlavePort = 4851
	cfg.DatabaseName = "salesdb"
	cfg.ShipInterval = 20 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startController(t *testing.T, cfg Config, q *transmitterQueue) (*Controller, *fakeLogSource) {
	t.Helper()
	c := New(cfg, WithTransmitterFactory(q.factory))
	src := &fakeLogSource{}
	if err := c.StartMaster(nil, nil, src); err != nil {
		t.Fatalf("StartMaster: %v", err)
	}
	t.Cleanup(func() {
		if c.State() == StateRunning {
			_ = c.StopMaster()
		}
	})
	return c, src
}

func TestStartMasterRunning(t *testing.T) {
	q := &transmitterQueue{queue: []*fakeTransmitter{{}}}
	c, src := startController(t, testConfig(), q)

	if got := c.State(); got != StateRunning {
		t.Errorf("State() = %s, want Running", got)
	}
	if !q.queue[0].connected {
		t.Error("transmitter never connected")
	}
	if q.callCount() != 1 {
		t.Errorf("transmitter factory called %d times, want 1", q.callCount())
	}
	src.mu.Lock()
	registered := src.sink
	src.mu.Unlock()
	if registered != ports.LogSink(c) {
		t.Error("controller not registered as the log sink")
	}
}

func TestStartMasterValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing mode", func(c *Config) { c.ReplicationMode = "" }, domain.ErrInvalidConfig},
		{"synchronous mode", func(c *Config) { c.ReplicationMode = "synchronous" }, domain.ErrUnsupportedMode},
		{"missing host", func(c *Config) { c.SlaveHost = "" }, domain.ErrInvalidConfig},
		{"missing port", func(c *Config) { c.SlavePort = 0 }, domain.ErrInvalidConfig},
		{"port out of range", func(c *Config) { c.SlavePort = 70000 }, domain.ErrInvalidConfig},
		{"missing db name", func(c *Config) { c.DatabaseName = "" }, domain.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			q := &transmitterQueue{queue: []*fakeTransmitter{{}}}
			c := New(cfg, WithTransmitterFactory(q.factory))

			err := c.StartMaster(nil, nil, &fakeLogSource{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartMaster = %v, want %v", err, tt.wantErr)
			}
			if got := c.State(); got != StateStopped {
				t.Errorf("State() = %s after failed start, want Stopped", got)
			}
			if q.callCount() != 0 {
				t.Errorf("connection attempted despite invalid configuration")
			}
		})
	}
}

func TestStartMasterConnectFailureUnwinds(t *testing.T) {
	q := &transmitterQueue{queue: []*fakeTransmitter{
		{connectErr: fmt.Errorf("%w: dial tcp: i/o timeout", domain.ErrConnectTimeout)},
	}}
	c := New(testConfig(), WithTransmitterFactory(q.factory))
	src := &fakeLogSource{}

	err := c.StartMaster(nil, nil, src)
	if !errors.Is(err, domain.ErrConnectTimeout) {
		t.Fatalf("StartMaster = %v, want ErrConnectTimeout", err)
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("State() = %s, want Stopped", got)
	}
	if src.started != 1 || src.stopped != 1 {
		t.Errorf("log role started=%d stopped=%d, want 1/1 (registration unwound)", src.started, src.stopped)
	}
}

func TestStartMasterTwice(t *testing.T) {
	q := &transmitterQueue{queue: []*fakeTransmitter{{}}}
	c, _ := startController(t, testConfig(), q)

	if err := c.StartMaster(nil, nil, &fakeLogSource{}); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("second StartMaster = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopMasterNotRunning(t *testing.T) {
	c := New(testConfig())
	if err := c.StopMaster(); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("StopMaster = %v, want ErrNotRunning", err)
	}
}

func TestAppendLogShipsInOrder(t *testing.T) {
	tr := &fakeTransmitter{}
	q := &transmitterQueue{queue: []*fakeTransmitter{tr}}
	c, _ := startController(t, testConfig(), q)

	for i := 1; i <= 3; i++ {
		p := []byte(fmt.Sprintf("records-%d", i))
		c.AppendLog(domain.Instant(i), p, 0, len(p))
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(logInstants(t, tr.snapshot())) == 3
	}, "chunks never shipped")

	got := logInstants(t, tr.snapshot())
	for i, want := range []domain.Instant{1, 2, 3} {
		if got[i] != want {
			t.Errorf("shipped[%d] = %d, want %d", i, got[i], want)
		}
	}
}

func TestAppendDuringStartupIsShipped(t *testing.T) {
	tr := &fakeTransmitter{}
	q := &transmitterQueue{queue: []*fakeTransmitter{tr}}
	c := New(testConfig(), WithTransmitterFactory(q.factory))

	// The engine starts routing writes the instant the role is
	// registered, before the connection exists.
	src := &fakeLogSource{onStart: func(sink ports.LogSink) {
		sink.AppendLog(1, []byte("early"), 0, 5)
	}}
	if err := c.StartMaster(nil, nil, src); err != nil {
		t.Fatalf("StartMaster: %v", err)
	}
	t.Cleanup(func() {
		if c.State() == StateRunning {
			_ = c.StopMaster()
		}
	})

	c.AppendLog(2, []byte("later"), 0, 5)

	waitFor(t, 2*time.Second, func() bool {
		return len(logInstants(t, tr.snapshot())) == 2
	}, "chunk appended during startup was never shipped")

	got := logInstants(t, tr.snapshot())
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("shipped instants = %v, want [1 2]", got)
	}
}

func TestAppendLogBufferFullForcesFlush(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 16
	cfg.ShipInterval = time.Hour // only AppendLog's own flush makes room

	tr := &fakeTransmitter{}
	q := &transmitterQueue{queue: []*fakeTransmitter{tr}}
	c, _ := startController(t, cfg, q)

	first := make([]byte, 10)
	second := make([]byte, 10)
	c.AppendLog(1, first, 0, len(first))
	c.AppendLog(2, second, 0, len(second)) // overflows: flush then retry

	waitFor(t, 2*time.Second, func() bool {
		return len(logInstants(t, tr.snapshot())) >= 1
	}, "forced flush never shipped the first chunk")

	if err := c.StopMaster(); err != nil {
		t.Fatalf("StopMaster: %v", err)
	}

	got := logInstants(t, tr.snapshot())
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("shipped instants = %v, want [1 2] (no chunk dropped)", got)
	}
}

func TestSendFailureReconnectsAndResumes(t *testing.T) {
	broken := &fakeTransmitter{}
	replacement := &fakeTransmitter{}
	q := &transmitterQueue{queue: []*fakeTransmitter{broken, replacement}}
	c, _ := startController(t, testConfig(), q)

	// First chunk goes out on the original session.
	c.AppendLog(1, []byte("one"), 0, 3)
	waitFor(t, 2*time.Second, func() bool {
		return len(logInstants(t, broken.snapshot())) == 1
	}, "first chunk never shipped")

	// Break the session, then keep appending.
	broken.setSendErr(fmt.Errorf("%w: connection reset", domain.ErrSend))
	c.AppendLog(2, []byte("two"), 0, 3)
	c.AppendLog(3, []byte("three"), 0, 5)

	waitFor(t, 5*time.Second, func() bool {
		return len(logInstants(t, replacement.snapshot())) == 2
	}, "shipping never resumed on the replacement session")

	got := logInstants(t, replacement.snapshot())
	if got[0] != 2 || got[1] != 3 {
		t.Errorf("resumed instants = %v, want [2 3]", got)
	}
	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Error("failed transmitter never closed")
	}
	if c.State() != StateRunning {
		t.Errorf("State() = %s after recovery, want Running", c.State())
	}
}

func TestStopFlagAbortsReconnectLoop(t *testing.T) {
	active := &fakeTransmitter{}
	unreachable := &fakeTransmitter{connectErr: fmt.Errorf("%w: refused", domain.ErrConnect)}
	q := &transmitterQueue{queue: []*fakeTransmitter{active, unreachable}}
	c, _ := startController(t, testConfig(), q)

	active.setSendErr(fmt.Errorf("%w: broken pipe", domain.ErrSend))
	c.AppendLog(1, []byte("x"), 0, 1)

	// Wait until the reconnection loop is demonstrably spinning.
	waitFor(t, 5*time.Second, func() bool {
		return q.callCount() >= 3
	}, "reconnection loop never started")

	done := make(chan error, 1)
	go func() { done <- c.StopMaster() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StopMaster: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StopMaster blocked by the reconnection loop")
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("State() = %s, want Stopped", got)
	}
}

func TestStopMasterDrainsThenStops(t *testing.T) {
	cfg := testConfig()
	cfg.ShipInterval = time.Hour

	tr := &fakeTransmitter{}
	q := &transmitterQueue{queue: []*fakeTransmitter{tr}}
	c, src := startController(t, cfg, q)

	for i := 1; i <= 3; i++ {
		p := []byte(fmt.Sprintf("records-%d", i))
		c.AppendLog(domain.Instant(i), p, 0, len(p))
	}

	if err := c.StopMaster(); err != nil {
		t.Fatalf("StopMaster: %v", err)
	}

	messages := tr.snapshot()
	if len(messages) == 0 {
		t.Fatal("no messages transmitted")
	}
	last := messages[len(messages)-1]
	if last.Type != protocol.TypeStop {
		t.Errorf("final message = %s, want STOP", last.Type)
	}
	stops := 0
	for _, m := range messages {
		if m.Type == protocol.TypeStop {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("STOP sent %d times, want exactly 1", stops)
	}
	got := logInstants(t, messages)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("LOG instants before STOP = %v, want [1 2 3]", got)
	}
	if src.stopped != 1 {
		t.Errorf("log role stopped %d times, want 1", src.stopped)
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("State() = %s, want Stopped", got)
	}

	// Append after stop is a no-op, not a panic.
	c.AppendLog(4, []byte("late"), 0, 4)
	c.FlushedTo(4)
}

func TestUnrecoverableErrorStopsMaster(t *testing.T) {
	tr := &fakeTransmitter{}
	q := &transmitterQueue{queue: []*fakeTransmitter{tr}}
	c, src := startController(t, testConfig(), q)

	// A non-transport failure from a drain cycle must tear the master
	// down rather than leave replication half-running.
	tr.setSendErr(errors.New("log scan failed: checksum mismatch"))
	c.AppendLog(1, []byte("x"), 0, 1)

	waitFor(t, 5*time.Second, func() bool {
		return c.State() == StateStopped
	}, "master never stopped on unrecoverable error")

	if src.stopped != 1 {
		t.Errorf("log role stopped %d times, want 1", src.stopped)
	}
}

func TestFlushedToTracksWatermark(t *testing.T) {
	q := &transmitterQueue{queue: []*fakeTransmitter{{}}}
	c, _ := startController(t, testConfig(), q)

	c.FlushedTo(17)
	flushed, _ := c.Watermarks()
	if flushed != 17 {
		t.Errorf("flushed watermark = %d, want 17", flushed)
	}
}
