package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultManagerAddr   = "127.0.0.1:7070"
	DefaultGatewayAddr   = ":7080"
	DefaultRegistryPath  = "drift.db"
	DefaultMaxScrollback = 10000
	DefaultMuxPrefix     = "cca-"
	DefaultAgentCommand  = "claude"
)

// Config is the on-disk configuration shared by driftd and driftgw.
type Config struct {
	Manager ManagerConfig `yaml:"manager"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

type ManagerConfig struct {
	Addr          string `yaml:"addr"`           // listen host:port
	RegistryPath  string `yaml:"registry_path"`  // sqlite file
	MaxScrollback int    `yaml:"max_scrollback"` // ring capacity in chunks
	MuxPrefix     string `yaml:"mux_prefix"`     // reserved tmux session-name prefix
	AgentCommand  string `yaml:"agent_command"`  // binary launched for kind=agent
	TmuxBin       string `yaml:"tmux_bin"`       // tmux binary, defaults to "tmux"
}

type GatewayConfig struct {
	Addr           string `yaml:"addr"`             // listen host:port
	ManagerURL     string `yaml:"manager_url"`      // e.g. "http://127.0.0.1:7070"
	JWTSecret      string `yaml:"jwt_secret"`       // base64; empty disables auth (tests only)
	InputRateBytes int    `yaml:"input_rate_bytes"` // per-browser input bytes/sec, 0 = unlimited
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file. A missing path yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values with DRIFT_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("DRIFT_MANAGER_ADDR"); v != "" {
		c.Manager.Addr = v
	}
	if v := os.Getenv("DRIFT_GATEWAY_ADDR"); v != "" {
		c.Gateway.Addr = v
	}
	if v := os.Getenv("DRIFT_REGISTRY_PATH"); v != "" {
		c.Manager.RegistryPath = v
	}
	if v := os.Getenv("DRIFT_MAX_SCROLLBACK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Manager.MaxScrollback = n
		}
	}
	if v := os.Getenv("DRIFT_MUX_PREFIX"); v != "" {
		c.Manager.MuxPrefix = v
	}
	if v := os.Getenv("DRIFT_MANAGER_URL"); v != "" {
		c.Gateway.ManagerURL = v
	}
	if v := os.Getenv("DRIFT_JWT_SECRET"); v != "" {
		c.Gateway.JWTSecret = v
	}
	if v := os.Getenv("DRIFT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Manager.Addr == "" {
		c.Manager.Addr = DefaultManagerAddr
	}
	if c.Manager.RegistryPath == "" {
		c.Manager.RegistryPath = DefaultRegistryPath
	}
	if c.Manager.MaxScrollback == 0 {
		c.Manager.MaxScrollback = DefaultMaxScrollback
	}
	if c.Manager.MuxPrefix == "" {
		c.Manager.MuxPrefix = DefaultMuxPrefix
	}
	if c.Manager.AgentCommand == "" {
		c.Manager.AgentCommand = DefaultAgentCommand
	}
	if c.Manager.TmuxBin == "" {
		c.Manager.TmuxBin = "tmux"
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = DefaultGatewayAddr
	}
	if c.Gateway.ManagerURL == "" {
		c.Gateway.ManagerURL = "http://" + DefaultManagerAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks field combinations that Load cannot default away.
func (c *Config) Validate() error {
	if c.Manager.MaxScrollback < 0 {
		return fmt.Errorf("manager.max_scrollback must be >= 0")
	}
	if c.Gateway.InputRateBytes < 0 {
		return fmt.Errorf("gateway.input_rate_bytes must be >= 0")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
