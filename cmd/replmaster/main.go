package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/replmaster/internal/domain"
	"github.com/bft-labs/replmaster/internal/master"
	"github.com/bft-labs/replmaster/internal/ports"
	"github.com/bft-labs/replmaster/pkg/log"
)

var longHelp = strings.TrimSpace(`
Ship a database's transaction log to a replica over TCP.

replmaster plays the master side of asynchronous log replication: log
records read from stdin are buffered and shipped in order to the slave
endpoint, surviving connection drops without losing or reordering a
single chunk. Configure via file ($HOME/.replmaster/config.toml),
REPLMASTER_* environment variables, or flags; flags win.
`)

var exampleUsage = strings.TrimSpace(`
  replmaster --slave-host 10.0.0.7 --slave-port 4851 --db-name salesdb
  replmaster --config /etc/replmaster/config.toml --watch-config
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// stdinLogSource adapts stdin to the log subsystem interface: each line
// is one log chunk, instants are assigned sequentially, and every chunk
// is reported flushed as soon as it is read since stdin has no separate
// durability point.
type stdinLogSource struct {
	mu      sync.Mutex
	stopped bool
	eof     chan struct{}
}

func newStdinLogSource() *stdinLogSource {
	return &stdinLogSource{eof: make(chan struct{})}
}

func (s *stdinLogSource) StartReplicationMasterRole(sink ports.LogSink) error {
	go func() {
		defer close(s.eof)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var instant domain.Instant
		for scanner.Scan() {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			instant++
			sink.AppendLog(instant, line, 0, len(line))
			sink.FlushedTo(instant)
		}
	}()
	return nil
}

func (s *stdinLogSource) StopReplicationMasterRole() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func main() {
	cfg := master.DefaultConfig()
	cfg.ReplicationMode = master.ModeAsynchronous
	var cfgPath string
	var watchConfig bool

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	root := &cobra.Command{
		Use:     "replmaster",
		Short:   "Ship a database's transaction log to a replica over TCP",
		Long:    longHelp,
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = master.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && master.FileExists(cfgFile) {
				fc, err := master.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := master.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			// Environment overrides the file but loses to explicit flags.
			if err := master.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			zl.Info().
				Str("slave", fmt.Sprintf("%s:%d", cfg.SlaveHost, cfg.SlavePort)).
				Str("db", cfg.DatabaseName).
				Int("buffer_size", cfg.BufferSize).
				Dur("ship_interval", cfg.ShipInterval).
				Msg("configuration")

			logger := log.NewZerologAdapterWithLogger(zl)
			c := master.New(cfg, master.WithLogger(logger))

			src := newStdinLogSource()
			if err := c.StartMaster(nil, nil, src); err != nil {
				return fmt.Errorf("start master: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if watchConfig && cfgFile != "" {
				w := master.NewConfigWatcher(cfgFile, c, logger)
				go func() {
					if err := w.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Warn("config watcher exited", log.Err(err))
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			// An unrecoverable shipping error stops the master on its
			// own; poll the state so the process exits then too.
			stoppedCh := make(chan struct{})
			go func() {
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if c.State() == master.StateStopped {
							close(stoppedCh)
							return
						}
					}
				}
			}()

			select {
			case <-sigCh:
				zl.Info().Msg("received signal, stopping...")
			case <-src.eof:
				zl.Info().Msg("log input exhausted, stopping...")
			case <-stoppedCh:
				zl.Error().Msg("replication stopped on an unrecoverable error")
			}

			if err := c.StopMaster(); err != nil && err != domain.ErrNotRunning {
				return fmt.Errorf("stop master: %w", err)
			}
			flushed, shipped := c.Watermarks()
			zl.Info().
				Uint64("flushed_instant", uint64(flushed)).
				Uint64("shipped_instant", uint64(shipped)).
				Msg("final watermarks")
			return nil
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.replmaster/config.toml)")
	root.Flags().BoolVar(&watchConfig, "watch-config", false, "apply retunable settings when the config file changes")

	root.Flags().StringVar(&cfg.ReplicationMode, "mode", cfg.ReplicationMode, "replication mode (only \"asynchronous\")")
	root.Flags().StringVar(&cfg.SlaveHost, "slave-host", cfg.SlaveHost, "replica hostname or address")
	root.Flags().IntVar(&cfg.SlavePort, "slave-port", cfg.SlavePort, "replica TCP port (required)")
	root.Flags().StringVar(&cfg.DatabaseName, "db-name", cfg.DatabaseName, "name of the replicated database")

	root.Flags().IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "log buffer capacity in bytes")
	root.Flags().DurationVar(&cfg.ShipInterval, "ship-interval", cfg.ShipInterval, "idle interval between shipments")
	root.Flags().DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "timeout per connection attempt")
	root.Flags().DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "timeout per transmitted message")
	root.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "how long to wait for the final flush on stop")

	root.Flags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for persisted watermarks (empty disables)")

	if err := root.Execute(); err != nil {
		zl.Error().Err(err).Msg("replmaster")
		os.Exit(1)
	}
}
