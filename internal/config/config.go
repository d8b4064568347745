// Package config handles bridge configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the top-level bridge configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Bridge  BridgeConfig  `json:"bridge"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	IPC     IPCConfig     `json:"ipc"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the listening socket and shutdown behavior.
type ServerConfig struct {
	Addr            string   `json:"addr"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
	// AllowedOrigins lists browser origins permitted on the WebSocket
	// endpoint beyond loopback, which is always allowed. "*" allows all.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// PingInterval and PongTimeout tune the WebSocket keepalive cycle.
	// Zero takes the built-in 30s/60s defaults.
	PingInterval Duration `json:"ping_interval,omitempty"`
	PongTimeout  Duration `json:"pong_timeout,omitempty"`
}

// BridgeConfig defines per-session relay limits. None of these change at
// runtime.
type BridgeConfig struct {
	RequestTimeout   Duration `json:"request_timeout,omitempty"`
	FrameLimitBytes  int      `json:"frame_limit_bytes,omitempty"`
	BufferLimitBytes int      `json:"buffer_limit_bytes,omitempty"`
	GraceKillDelay   Duration `json:"grace_kill_delay,omitempty"`
	MaxSessions      int      `json:"max_sessions,omitempty"`
}

// AuthConfig selects how client connections authenticate.
type AuthConfig struct {
	Mode       string `json:"mode,omitempty"` // "none", "token", "jwt", "jwks"
	TokenHash  string `json:"token_hash,omitempty"`
	JWTSecret  string `json:"jwt_secret,omitempty"`
	JWKSIssuer string `json:"jwks_issuer,omitempty"`
}

// StorageConfig selects the history store backend.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`
	// Retention bounds how long terminated sessions and their events are
	// kept. Zero disables the purger.
	Retention Duration `json:"retention,omitempty"`
}

// IPCConfig defines the local status socket.
type IPCConfig struct {
	SocketPath string `json:"socket_path,omitempty"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info", "warn", "error"
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a time.Duration that unmarshals from "15s" strings or plain
// second counts.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:6277",
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Bridge: BridgeConfig{
			RequestTimeout:   Duration{15 * time.Second},
			FrameLimitBytes:  1 << 20,
			BufferLimitBytes: 4 << 20,
			GraceKillDelay:   Duration{3 * time.Second},
			MaxSessions:      16,
		},
		Auth:    AuthConfig{Mode: "none"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "mcpscope.db"},
		IPC:     IPCConfig{SocketPath: filepath.Join(os.TempDir(), "mcpscope-bridge.sock")},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file (if it exists), applies environment overrides,
// and validates. A missing file is not an error: the bridge runs on
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MCPSCOPE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MCPSCOPE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Bridge.RequestTimeout = Duration{d}
		}
	}
	if v := os.Getenv("MCPSCOPE_FRAME_LIMIT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bridge.FrameLimitBytes = n
		}
	}
	if v := os.Getenv("MCPSCOPE_BUFFER_LIMIT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bridge.BufferLimitBytes = n
		}
	}
	if v := os.Getenv("MCPSCOPE_GRACE_KILL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Bridge.GraceKillDelay = Duration{d}
		}
	}
	if v := os.Getenv("MCPSCOPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MCPSCOPE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("MCPSCOPE_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Bridge.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("bridge.request_timeout must be positive")
	}
	if c.Bridge.FrameLimitBytes <= 0 || c.Bridge.BufferLimitBytes <= 0 {
		return fmt.Errorf("bridge size limits must be positive")
	}
	if c.Bridge.BufferLimitBytes <= c.Bridge.FrameLimitBytes {
		return fmt.Errorf("bridge.buffer_limit_bytes (%d) must exceed bridge.frame_limit_bytes (%d)",
			c.Bridge.BufferLimitBytes, c.Bridge.FrameLimitBytes)
	}
	if c.Bridge.GraceKillDelay.Duration <= 0 {
		return fmt.Errorf("bridge.grace_kill_delay must be positive")
	}
	if ping, pong := c.Server.PingInterval.Duration, c.Server.PongTimeout.Duration; ping > 0 && pong > 0 && pong <= ping {
		return fmt.Errorf("server.pong_timeout (%s) must exceed server.ping_interval (%s)", pong, ping)
	}

	switch c.Auth.Mode {
	case "", "none":
	case "token":
		if c.Auth.TokenHash == "" {
			return fmt.Errorf("auth.token_hash is required for token auth")
		}
	case "jwt":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
	case "jwks":
		if c.Auth.JWKSIssuer == "" {
			return fmt.Errorf("auth.jwks_issuer is required for jwks auth")
		}
	default:
		return fmt.Errorf("unknown auth mode: %q", c.Auth.Mode)
	}

	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	return nil
}

// Save writes the config to path with restrictive permissions.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
