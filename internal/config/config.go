// ABOUTME: Configuration loading and parsing for stream-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete stream-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Files    FilesConfig    `yaml:"files" toml:"files"`
	Routing  RoutingConfig  `yaml:"routing" toml:"routing"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// ServerID names this instance in the fleet routing table. Defaults to the hostname.
	ServerID string `yaml:"server_id" toml:"server_id"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// FilesConfig holds the location of job files pushed by agents
type FilesConfig struct {
	JobsDir string `yaml:"jobs_dir" toml:"jobs_dir"`
}

// RoutingConfig selects the fleet routing back end
type RoutingConfig struct {
	Backend  string        `yaml:"backend" toml:"backend"` // "store" or "redis"
	RedisURL string        `yaml:"redis_url" toml:"redis_url"`
	RouteTTL time.Duration `yaml:"-" toml:"-"`

	RouteTTLRaw string `yaml:"route_ttl" toml:"route_ttl"`
}

// AgentsConfig holds agent stream tunables
type AgentsConfig struct {
	HeartbeatInterval          time.Duration `yaml:"-" toml:"-"`
	FileTransferBeginTimeout   time.Duration `yaml:"-" toml:"-"`
	FileTransferStalledTimeout time.Duration `yaml:"-" toml:"-"`
	ManifestCacheExpiration    time.Duration `yaml:"-" toml:"-"`
	SyncAckInterval            time.Duration `yaml:"-" toml:"-"`

	MaxConcurrentTransfers int   `yaml:"max_concurrent_transfers" toml:"max_concurrent_transfers"`
	TransferBufferBytes    int64 `yaml:"transfer_buffer_bytes" toml:"transfer_buffer_bytes"`
	SyncMaxMessages        int   `yaml:"sync_max_messages" toml:"sync_max_messages"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw          string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	FileTransferBeginTimeoutRaw   string `yaml:"file_transfer_begin_timeout" toml:"file_transfer_begin_timeout"`
	FileTransferStalledTimeoutRaw string `yaml:"file_transfer_stalled_timeout" toml:"file_transfer_stalled_timeout"`
	ManifestCacheExpirationRaw    string `yaml:"manifest_cache_expiration" toml:"manifest_cache_expiration"`
	SyncAckIntervalRaw            string `yaml:"sync_ack_interval" toml:"sync_ack_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			GRPCAddr: "0.0.0.0:50051",
			HTTPAddr: "0.0.0.0:8080",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DataDir(), "gateway.db"),
		},
		Files: FilesConfig{
			JobsDir: filepath.Join(DataDir(), "jobs"),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset tunable with its default value
func (c *Config) ApplyDefaults() {
	if c.Server.ServerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.ServerID = host
		} else {
			c.Server.ServerID = "stream-gateway"
		}
	}

	if c.Routing.Backend == "" {
		c.Routing.Backend = "store"
	}
	if c.Routing.RouteTTL == 0 {
		c.Routing.RouteTTL = 30 * time.Second
	}

	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = 5 * time.Second
	}
	if c.Agents.FileTransferBeginTimeout == 0 {
		c.Agents.FileTransferBeginTimeout = 3 * time.Second
	}
	if c.Agents.FileTransferStalledTimeout == 0 {
		c.Agents.FileTransferStalledTimeout = 20 * time.Second
	}
	if c.Agents.SyncAckInterval == 0 {
		c.Agents.SyncAckInterval = 30 * time.Second
	}
	if c.Agents.MaxConcurrentTransfers == 0 {
		c.Agents.MaxConcurrentTransfers = 100
	}
	if c.Agents.TransferBufferBytes == 0 {
		c.Agents.TransferBufferBytes = 1 << 20
	}
	if c.Agents.SyncMaxMessages == 0 {
		c.Agents.SyncMaxMessages = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Files.JobsDir == "" {
		return fmt.Errorf("files.jobs_dir is required")
	}

	switch c.Routing.Backend {
	case "store":
	case "redis":
		if c.Routing.RedisURL == "" {
			return fmt.Errorf("routing.redis_url is required when routing.backend is redis")
		}
	default:
		return fmt.Errorf("routing.backend must be \"store\" or \"redis\", got %q", c.Routing.Backend)
	}

	if c.Agents.MaxConcurrentTransfers < 0 {
		return fmt.Errorf("agents.max_concurrent_transfers must not be negative")
	}
	if c.Agents.TransferBufferBytes < 0 {
		return fmt.Errorf("agents.transfer_buffer_bytes must not be negative")
	}
	if c.Agents.SyncMaxMessages < 0 {
		return fmt.Errorf("agents.sync_max_messages must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"route_ttl", cfg.Routing.RouteTTLRaw, &cfg.Routing.RouteTTL},
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"file_transfer_begin_timeout", cfg.Agents.FileTransferBeginTimeoutRaw, &cfg.Agents.FileTransferBeginTimeout},
		{"file_transfer_stalled_timeout", cfg.Agents.FileTransferStalledTimeoutRaw, &cfg.Agents.FileTransferStalledTimeout},
		{"manifest_cache_expiration", cfg.Agents.ManifestCacheExpirationRaw, &cfg.Agents.ManifestCacheExpiration},
		{"sync_ack_interval", cfg.Agents.SyncAckIntervalRaw, &cfg.Agents.SyncAckInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// Path returns the config file location.
// Priority: STREAM_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/stream-gateway/gateway.yaml > ~/.config/stream-gateway/gateway.yaml
func Path() string {
	if envPath := os.Getenv("STREAM_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "stream-gateway", "gateway.yaml")
}

// DataDir returns the stream-gateway data directory.
// Priority: XDG_DATA_HOME/stream-gateway > ~/.local/share/stream-gateway
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "stream-gateway")
}
