package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/NotCoffee418/gate_bridge/pkg/pathing"
	"github.com/NotCoffee418/gate_bridge/pkg/settings"
)

var ActiveGatewayConfig *GatewayConfig

func Default() *GatewayConfig {
	return &GatewayConfig{
		GateMode:      GateModeExit,
		ListenAddress: "0.0.0.0",
		ListenPort:    3000,
		LogLevel:      "info",
		LogToConsole:  true,
		Links: LinksConfig{
			ReconnectDelayMs:      3000,
			CommandTimeoutMs:      5000,
			RelayReconnectDelayMs: 3000,
			DialTimeoutMs:         5000,
		},
		Gate: GateConfig{
			TestCommand:    ":TEST;",
			OpenCommand:    ":OPEN1;",
			LoopDetected:   ":IN1ON;",
			LoopUndetected: ":IN1OFF;",
			VehicleCleared: ":OUT1ON;",
		},
		Emoney: EmoneyConfig{
			Enabled:        true,
			AvailableTypes: "02",
			LoopIterations: 6,
			LoopPauseMs:    1000,
		},
		Server: ServerConfig{
			TCPHost:      "192.168.1.1",
			TCPPort:      5023,
			APIURL:       "http://127.0.0.1/api/v1/emoney/",
			APITimeoutMs: 10000,
		},
		Serial: SerialConfig{
			PortMicroOut:      "/dev/ttyUSB0",
			BaudRateMicroOut:  9600,
			PortEmoneyOut:     "/dev/ttyUSB1",
			BaudRateEmoneyOut: 38400,
			PortMicroIn:       "/dev/ttyUSB0",
			BaudRateMicroIn:   9600,
			PortEmoneyIn:      "/dev/ttyUSB1",
			BaudRateEmoneyIn:  38400,
		},
	}
}

// LoadGatewayConfig loads the config file into ActiveGatewayConfig, writing
// the defaults first if it does not exist yet.
func LoadGatewayConfig() error {
	cfg, err := Load(pathing.GetConfigPath())
	if err != nil {
		return err
	}
	ActiveGatewayConfig = cfg
	return nil
}

func Load(configPath string) (*GatewayConfig, error) {
	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := Default()
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return nil, err
		}
		defer cfgFile.Close()
		if err := toml.NewEncoder(cfgFile).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	// Keys missing from the file keep their defaults.
	cfg := Default()
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.GateMode != GateModeEntry && c.GateMode != GateModeExit {
		errs = append(errs, fmt.Errorf("gate_mode must be %q or %q, got %q", GateModeEntry, GateModeExit, c.GateMode))
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port out of range: %d", c.ListenPort))
	}
	if c.Links.ReconnectDelayMs <= 0 {
		errs = append(errs, errors.New("links.reconnect_delay_ms must be positive"))
	}
	if c.Links.CommandTimeoutMs <= 0 {
		errs = append(errs, errors.New("links.command_timeout_ms must be positive"))
	}
	if c.Links.RelayReconnectDelayMs <= 0 {
		errs = append(errs, errors.New("links.relay_reconnect_delay_ms must be positive"))
	}
	if c.Emoney.LoopIterations <= 0 {
		errs = append(errs, errors.New("emoney.loop_iterations must be positive"))
	}
	if _, err := url.Parse(c.Server.APIURL); err != nil || c.Server.APIURL == "" {
		errs = append(errs, fmt.Errorf("server.api_url is not a valid URL: %q", c.Server.APIURL))
	}
	return errors.Join(errs...)
}

// SettingsSeed maps the [serial] section onto settings store keys.
func (c *GatewayConfig) SettingsSeed() map[string]string {
	s := c.Serial
	return map[string]string{
		settings.PortMicroOut:      s.PortMicroOut,
		settings.BaudRateMicroOut:  baud(s.BaudRateMicroOut),
		settings.PortEmoneyOut:     s.PortEmoneyOut,
		settings.BaudRateEmoneyOut: baud(s.BaudRateEmoneyOut),
		settings.PortMicroIn:       s.PortMicroIn,
		settings.BaudRateMicroIn:   baud(s.BaudRateMicroIn),
		settings.PortEmoneyIn:      s.PortEmoneyIn,
		settings.BaudRateEmoneyIn:  baud(s.BaudRateEmoneyIn),
	}
}

func baud(v uint) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(v), 10)
}
