package master

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/replmaster/pkg/log"
)

// defaultDebounceDelay coalesces the burst of fsnotify events an editor
// or atomic save produces into one reload.
const defaultDebounceDelay = 100 * time.Millisecond

// ConfigWatcher monitors the TOML config file and applies the
// dynamically tunable settings to a running controller. Only the ship
// interval is retunable; endpoint and mode changes require a restart and
// are ignored with a notice.
type ConfigWatcher struct {
	path       string
	controller *Controller
	logger     log.Logger
	debounce   time.Duration
}

// NewConfigWatcher creates a watcher for the config file at path.
func NewConfigWatcher(path string, controller *Controller, logger log.Logger) *ConfigWatcher {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &ConfigWatcher{
		path:       path,
		controller: controller,
		logger:     logger,
		debounce:   defaultDebounceDelay,
	}
}

// Run watches until the context is canceled. The parent directory is
// watched rather than the file itself so rename-based saves keep being
// seen.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.apply()
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", log.Err(werr))
		}
	}
}

// apply reloads the file and pushes retunable settings to the controller.
func (w *ConfigWatcher) apply() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", log.Err(err), log.String("path", w.path))
		return
	}

	if fc.ShipInterval != "" {
		d, err := time.ParseDuration(fc.ShipInterval)
		if err != nil {
			w.logger.Warn("config reload: bad ship_interval", log.Err(err))
		} else if d > 0 {
			w.controller.SetShipInterval(d)
			w.logger.Info("applied ship interval from config file", log.Duration("interval", d))
		}
	}

	if (fc.SlaveHost != "" && fc.SlaveHost != w.controller.cfg.SlaveHost) ||
		(fc.SlavePort > 0 && fc.SlavePort != w.controller.cfg.SlavePort) {
		w.logger.Warn("slave endpoint changes require a restart; ignoring")
	}
}
