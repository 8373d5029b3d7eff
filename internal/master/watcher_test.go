package master

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, shipInterval string) {
	t.Helper()
	content := "ship_interval = \"" + shipInterval + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigWatcherAppliesShipInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfigFile(t, path, "1s")

	q := &transmitterQueue{queue: []*fakeTransmitter{{}}}
	c, _ := startController(t, testConfig(), q)

	w := NewConfigWatcher(path, c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to register before the first change.
	time.Sleep(100 * time.Millisecond)
	writeConfigFile(t, path, "321ms")

	waitFor(t, 5*time.Second, func() bool {
		c.mu.Lock()
		shipper := c.shipper
		c.mu.Unlock()
		return shipper != nil && shipper.Interval() == 321*time.Millisecond
	}, "ship interval never applied from the config file")
}

func TestConfigWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfigFile(t, path, "1s")

	q := &transmitterQueue{queue: []*fakeTransmitter{{}}}
	c, _ := startController(t, testConfig(), q)
	before := c.cfg.ShipInterval

	w := NewConfigWatcher(path, c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	other := filepath.Join(dir, "unrelated.toml")
	if err := os.WriteFile(other, []byte("ship_interval = \"5ms\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	c.mu.Lock()
	shipper := c.shipper
	c.mu.Unlock()
	if shipper.Interval() == 5*time.Millisecond {
		t.Errorf("interval changed from %v by an unrelated file", before)
	}
}
