package pathing

import (
	"os"
	"path/filepath"
)

const (
	configDirEnv = "GATE_BRIDGE_CONFIG_DIR"
	dataDirEnv   = "GATE_BRIDGE_DATA_DIR"
	logDirEnv    = "GATE_BRIDGE_LOG_DIR"
)

// EnsureDirs creates every directory the service writes to.
func EnsureDirs() error {
	for _, dir := range []string{GetConfigDir(), GetDataDir(), GetLogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "gate_bridge.toml")
}

func GetSettingsDbPath() string {
	return filepath.Join(GetDataDir(), "gate_bridge.db")
}

func GetConfigDir() string {
	return fromEnv(configDirEnv, "/etc/gate_bridge")
}

func GetDataDir() string {
	return fromEnv(dataDirEnv, "/var/lib/gate_bridge")
}

func GetLogDir() string {
	return fromEnv(logDirEnv, "/var/log/gate_bridge")
}

func fromEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
