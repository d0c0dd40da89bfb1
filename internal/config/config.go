// ABOUTME: Configuration loading and parsing for sbc-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWSPath        = "/ws"
	DefaultReadLimit     = 1 << 20
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPingInterval  = 30 * time.Second
	DefaultSubjectPrefix = "sbc"
)

// Config represents the complete sbc-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	// ListenAddr serves the HTTP API and the WebSocket endpoint.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	WSPath     string `yaml:"ws_path" toml:"ws_path"`
	// GRPCAddr serves grpc.health.v1 when set.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// TransportConfig holds WebSocket connection limits and timings
type TransportConfig struct {
	ReadLimit      int64         `yaml:"read_limit" toml:"read_limit"`
	WriteTimeout   time.Duration `yaml:"-" toml:"-"`
	PingInterval   time.Duration `yaml:"-" toml:"-"`
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"`

	// Raw string values for unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// LedgerConfig holds the activity ledger database location
type LedgerConfig struct {
	// Path is empty to disable the ledger.
	Path string `yaml:"path" toml:"path"`
}

// RelayConfig holds NATS relay configuration
type RelayConfig struct {
	// NATSURL is empty to disable the relay.
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a validated config listening on addr with every other
// field at its default.
func Default(addr string) *Config {
	cfg := &Config{Server: ServerConfig{ListenAddr: addr}}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config path from SBC_CONFIG, falling back to
// $XDG_CONFIG_HOME/sbc/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("SBC_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "sbc", "gateway.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "sbc", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format selects the config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes already-expanded config text, applies defaults and validates.
func Parse(text string, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Transport.ReadLimit == 0 {
		c.Transport.ReadLimit = DefaultReadLimit
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	// An explicit "0s" disables keepalive pings.
	if c.Transport.PingInterval == 0 && c.Transport.PingIntervalRaw == "" {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Relay.SubjectPrefix == "" {
		c.Relay.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/', got %q", c.Server.WSPath)
	}

	if c.Transport.ReadLimit < 0 {
		return fmt.Errorf("transport.read_limit must be positive, got %d", c.Transport.ReadLimit)
	}
	if c.Transport.WriteTimeout < 0 {
		return fmt.Errorf("transport.write_timeout must be positive, got %s", c.Transport.WriteTimeout)
	}
	if c.Transport.PingInterval < 0 {
		return fmt.Errorf("transport.ping_interval must not be negative, got %s", c.Transport.PingInterval)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Transport.WriteTimeoutRaw != "" {
		cfg.Transport.WriteTimeout, err = time.ParseDuration(cfg.Transport.WriteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing write_timeout %q: %w", cfg.Transport.WriteTimeoutRaw, err)
		}
	}

	if cfg.Transport.PingIntervalRaw != "" {
		cfg.Transport.PingInterval, err = time.ParseDuration(cfg.Transport.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Transport.PingIntervalRaw, err)
		}
	}

	return nil
}
