package master

import "os"

// Environment variable names. Environment values override the config
// file but are overridden by explicit flags.
const (
	envReplicationMode = "REPLMASTER_MODE"
	envSlaveHost       = "REPLMASTER_SLAVE_HOST"
	envSlavePort       = "REPLMASTER_SLAVE_PORT"
	envDatabaseName    = "REPLMASTER_DB_NAME"
	envShipInterval    = "REPLMASTER_SHIP_INTERVAL"
	envConnectTimeout  = "REPLMASTER_CONNECT_TIMEOUT"
	envStateDir        = "REPLMASTER_STATE_DIR"
)

// ApplyEnvConfig overlays REPLMASTER_* environment variables onto cfg,
// skipping any setting whose flag was set explicitly.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := configSetter{changed: changed}

	s.setString("mode", os.Getenv(envReplicationMode), &cfg.ReplicationMode)
	s.setString("slave-host", os.Getenv(envSlaveHost), &cfg.SlaveHost)
	s.setString("db-name", os.Getenv(envDatabaseName), &cfg.DatabaseName)
	s.setString("state-dir", os.Getenv(envStateDir), &cfg.StateDir)

	if err := s.setIntFromString("slave-port", os.Getenv(envSlavePort), &cfg.SlavePort); err != nil {
		return err
	}
	if err := s.setDuration("ship-interval", os.Getenv(envShipInterval), &cfg.ShipInterval); err != nil {
		return err
	}
	if err := s.setDuration("connect-timeout", os.Getenv(envConnectTimeout), &cfg.ConnectTimeout); err != nil {
		return err
	}
	return nil
}
