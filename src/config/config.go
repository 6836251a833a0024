// Package config loads sctl's configuration with layered precedence:
// process environment overrides a TOML file overrides compiled
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Tunnel holds the reverse-tunnel block.
type Tunnel struct {
	Relay                  bool   `toml:"relay"`
	URL                    string `toml:"url"`
	TunnelKey              string `toml:"tunnel_key"`
	ReconnectDelaySecs     int    `toml:"reconnect_delay_secs"`
	ReconnectMaxDelaySecs  int    `toml:"reconnect_max_delay_secs"`
	HeartbeatIntervalSecs  int    `toml:"heartbeat_interval_secs"`
	HeartbeatTimeoutSecs   int    `toml:"heartbeat_timeout_secs"`
	TunnelProxyTimeoutSecs int    `toml:"tunnel_proxy_timeout_secs"`
	// BindAddress, if set, is the local network interface address the
	// outbound control connection is bound to (LTE failover: pin the
	// dial to a specific modem interface rather than the default route).
	BindAddress         string `toml:"bind_address"`
	StableThresholdSecs int    `toml:"stable_threshold_secs"`
}

// Device holds the `device.*` block.
type Device struct {
	Serial string `toml:"serial"`
}

// Config is the fully resolved configuration for one sctl process.
type Config struct {
	Listen              string `toml:"listen"`
	MaxSessions         int    `toml:"max_sessions"`
	MaxConnections      int    `toml:"max_connections"`
	SessionBufferSize   int    `toml:"session_buffer_size"`
	ExecTimeoutMs       int    `toml:"exec_timeout_ms"`
	MaxBatchSize        int    `toml:"max_batch_size"`
	MaxFileSize         int64  `toml:"max_file_size"`
	DefaultTerminalRows int    `toml:"default_terminal_rows"`
	DefaultTerminalCols int    `toml:"default_terminal_cols"`
	APIKey              string `toml:"api_key"`
	DefaultShell        string `toml:"default_shell"`
	DefaultWorkingDir   string `toml:"default_working_dir"`

	Device Device `toml:"device"`
	Tunnel Tunnel `toml:"tunnel"`
}

// Defaults returns the compiled-in base layer.
func Defaults() Config {
	return Config{
		Listen:              ":8080",
		MaxSessions:         50,
		MaxConnections:      0, // 0 means unenforced
		SessionBufferSize:   1000,
		ExecTimeoutMs:       30_000,
		MaxBatchSize:        20,
		MaxFileSize:         10 << 20,
		DefaultTerminalRows: 24,
		DefaultTerminalCols: 80,
		DefaultShell:        "",
		DefaultWorkingDir:   "",
		Tunnel: Tunnel{
			ReconnectDelaySecs:     1,
			ReconnectMaxDelaySecs:  30,
			HeartbeatIntervalSecs:  15,
			HeartbeatTimeoutSecs:   45,
			TunnelProxyTimeoutSecs: 30,
			StableThresholdSecs:    60,
			BindAddress:            "",
		},
	}
}

// Load builds the final Config: defaults, then an optional TOML file at
// path (ignored if empty or missing), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides mutates cfg in place from SCTL_* environment
// variables, the outermost layer of precedence.
func applyEnvOverrides(cfg *Config) {
	str(&cfg.Listen, "SCTL_LISTEN")
	str(&cfg.APIKey, "SCTL_API_KEY")
	str(&cfg.DefaultShell, "SCTL_DEFAULT_SHELL")
	str(&cfg.DefaultWorkingDir, "SCTL_DEFAULT_WORKING_DIR")
	str(&cfg.Device.Serial, "SCTL_DEVICE_SERIAL")
	str(&cfg.Tunnel.URL, "SCTL_TUNNEL_URL")
	str(&cfg.Tunnel.TunnelKey, "SCTL_TUNNEL_KEY")

	intVar(&cfg.MaxSessions, "SCTL_MAX_SESSIONS")
	intVar(&cfg.MaxConnections, "SCTL_MAX_CONNECTIONS")
	intVar(&cfg.SessionBufferSize, "SCTL_SESSION_BUFFER_SIZE")
	intVar(&cfg.ExecTimeoutMs, "SCTL_EXEC_TIMEOUT_MS")
	intVar(&cfg.MaxBatchSize, "SCTL_MAX_BATCH_SIZE")
	int64Var(&cfg.MaxFileSize, "SCTL_MAX_FILE_SIZE")
	intVar(&cfg.DefaultTerminalRows, "SCTL_DEFAULT_TERMINAL_ROWS")
	intVar(&cfg.DefaultTerminalCols, "SCTL_DEFAULT_TERMINAL_COLS")

	boolVar(&cfg.Tunnel.Relay, "SCTL_TUNNEL_RELAY")
	intVar(&cfg.Tunnel.ReconnectDelaySecs, "SCTL_TUNNEL_RECONNECT_DELAY_SECS")
	intVar(&cfg.Tunnel.ReconnectMaxDelaySecs, "SCTL_TUNNEL_RECONNECT_MAX_DELAY_SECS")
	intVar(&cfg.Tunnel.HeartbeatIntervalSecs, "SCTL_TUNNEL_HEARTBEAT_INTERVAL_SECS")
	intVar(&cfg.Tunnel.HeartbeatTimeoutSecs, "SCTL_TUNNEL_HEARTBEAT_TIMEOUT_SECS")
	intVar(&cfg.Tunnel.TunnelProxyTimeoutSecs, "SCTL_TUNNEL_PROXY_TIMEOUT_SECS")
}

func str(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Var(dst *int64, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate reports a startup failure.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.Tunnel.Relay && c.Tunnel.TunnelKey == "" {
		return fmt.Errorf("tunnel.tunnel_key is required when tunnel.relay is enabled")
	}
	if !c.Tunnel.Relay && c.Tunnel.URL != "" && c.Tunnel.TunnelKey == "" {
		return fmt.Errorf("tunnel.tunnel_key is required to register with a relay")
	}
	return nil
}
