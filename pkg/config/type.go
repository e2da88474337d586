package config

import "time"

const (
	GateModeEntry = "entry"
	GateModeExit  = "exit"
)

type GatewayConfig struct {
	// entry or exit; selects which gate controller variant runs.
	GateMode      string `toml:"gate_mode"`
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
	LogLevel      string `toml:"log_level"`
	LogToConsole  bool   `toml:"log_to_console"`

	Links  LinksConfig  `toml:"links"`
	Gate   GateConfig   `toml:"gate"`
	Emoney EmoneyConfig `toml:"emoney"`
	Server ServerConfig `toml:"server"`
	// Seeds the settings store on first run. Later edits go through POST /ports.
	Serial SerialConfig `toml:"serial"`
}

type LinksConfig struct {
	ReconnectDelayMs      int `toml:"reconnect_delay_ms"`
	CommandTimeoutMs      int `toml:"command_timeout_ms"`
	RelayReconnectDelayMs int `toml:"relay_reconnect_delay_ms"`
	DialTimeoutMs         int `toml:"dial_timeout_ms"`
}

type GateConfig struct {
	TestCommand    string `toml:"test_command"`
	OpenCommand    string `toml:"open_command"`
	LoopDetected   string `toml:"loop_detected"`
	LoopUndetected string `toml:"loop_undetected"`
	VehicleCleared string `toml:"vehicle_cleared"`
}

type EmoneyConfig struct {
	Enabled        bool   `toml:"enabled"`
	AvailableTypes string `toml:"available_types"`
	LoopIterations int    `toml:"loop_iterations"`
	LoopPauseMs    int    `toml:"loop_pause_ms"`
}

type ServerConfig struct {
	TCPHost      string `toml:"tcp_host"`
	TCPPort      int    `toml:"tcp_port"`
	APIURL       string `toml:"api_url"`
	APITimeoutMs int    `toml:"api_timeout_ms"`
}

type SerialConfig struct {
	PortMicroOut      string `toml:"port_micro_out"`
	BaudRateMicroOut  uint   `toml:"baud_rate_micro_out"`
	PortEmoneyOut     string `toml:"port_emoney_out"`
	BaudRateEmoneyOut uint   `toml:"baud_rate_emoney_out"`
	PortMicroIn       string `toml:"port_micro_in"`
	BaudRateMicroIn   uint   `toml:"baud_rate_micro_in"`
	PortEmoneyIn      string `toml:"port_emoney_in"`
	BaudRateEmoneyIn  uint   `toml:"baud_rate_emoney_in"`
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (l LinksConfig) ReconnectDelay() time.Duration      { return ms(l.ReconnectDelayMs) }
func (l LinksConfig) CommandTimeout() time.Duration      { return ms(l.CommandTimeoutMs) }
func (l LinksConfig) RelayReconnectDelay() time.Duration { return ms(l.RelayReconnectDelayMs) }
func (l LinksConfig) DialTimeout() time.Duration         { return ms(l.DialTimeoutMs) }
func (e EmoneyConfig) LoopPause() time.Duration          { return ms(e.LoopPauseMs) }
func (s ServerConfig) APITimeout() time.Duration         { return ms(s.APITimeoutMs) }
