package master

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config with strings for durations to keep the TOML
// surface friendly.
type FileConfig struct {
	ReplicationMode string `toml:"replication_mode"`
	SlaveHost       string `toml:"slave_host"`
	SlavePort       int    `toml:"slave_port"`
	DatabaseName    string `toml:"database_name"`
	BufferSize      int    `toml:"buffer_size"`
	ShipInterval    string `toml:"ship_interval"`
	ConnectTimeout  string `toml:"connect_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	StateDir        string `toml:"state_dir"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.replmaster/config.toml when the home
// directory is known, else "".
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".replmaster", "config.toml")
	}
	return ""
}

// FileExists reports whether a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ApplyFileConfig overlays file values onto cfg, skipping any setting
// whose flag was set explicitly (changed map keyed by flag name).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := configSetter{changed: changed}

	s.setString("mode", fc.ReplicationMode, &cfg.ReplicationMode)
	s.setString("slave-host", fc.SlaveHost, &cfg.SlaveHost)
	s.setInt("slave-port", fc.SlavePort, &cfg.SlavePort)
	s.setString("db-name", fc.DatabaseName, &cfg.DatabaseName)
	s.setInt("buffer-size", fc.BufferSize, &cfg.BufferSize)
	s.setString("state-dir", fc.StateDir, &cfg.StateDir)

	if err := s.setDuration("ship-interval", fc.ShipInterval, &cfg.ShipInterval); err != nil {
		return err
	}
	if err := s.setDuration("connect-timeout", fc.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := s.setDuration("write-timeout", fc.WriteTimeout, &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// configSetter applies overlay values while respecting flag precedence:
// a value is skipped when empty or when its flag was set explicitly.
type configSetter struct {
	changed map[string]bool
}

func (s configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}
