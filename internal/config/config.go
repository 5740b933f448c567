// Package config loads the dispatch service configuration from a TOML, YAML
// or JSON file and resolves the on-disk layout under the install prefix.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no dispatch config file found")

// AppName is the directory name used for the default prefix and for the
// remote install tree on provisioned hosts.
const AppName = "dispatch"

// Config is the parsed dispatch configuration.
type Config struct {
	// Prefix is the root of the persisted state layout. Default: ~/.dispatch,
	// overridable with DISPATCH_PREFIX.
	Prefix string `yaml:"prefix" toml:"prefix" json:"prefix"`

	// Listen is the backend HTTP listen address. Default: :8080.
	Listen string `yaml:"listen" toml:"listen" json:"listen"`

	Store    Store    `yaml:"store" toml:"store" json:"store"`
	Broker   Broker   `yaml:"broker" toml:"broker" json:"broker"`
	Dispatch Dispatch `yaml:"dispatch" toml:"dispatch" json:"dispatch"`
	Monitor  Monitor  `yaml:"monitor" toml:"monitor" json:"monitor"`
	Archive  Archive  `yaml:"archive" toml:"archive" json:"archive"`
}

// Store selects the relational backend.
type Store struct {
	// Driver is "sqlite" or "postgres". Default: sqlite.
	Driver string `yaml:"driver" toml:"driver" json:"driver"`

	// DSN overrides the connection string. Empty means <prefix>/lib/dispatch.db
	// for sqlite.
	DSN string `yaml:"dsn" toml:"dsn" json:"dsn"`
}

// Broker is the redis log broker location.
type Broker struct {
	Host string `yaml:"host" toml:"host" json:"host"`
	Port int    `yaml:"port" toml:"port" json:"port"`
	DB   int    `yaml:"db" toml:"db" json:"db"`

	// Manage starts a local redis-server when the broker is unreachable.
	Manage bool `yaml:"manage" toml:"manage" json:"manage"`
}

// Dispatch tunes the dispatcher loop.
type Dispatch struct {
	// PollInterval between dispatch cycles. Default: 5s.
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`

	// AgentTimeout bounds any single HTTP call to a worker agent. Default: 30s.
	AgentTimeout Duration `yaml:"agent_timeout" toml:"agent_timeout" json:"agent_timeout"`

	// RetentionDays before terminal jobs and their logs are cleaned up.
	// Zero disables cleanup. Default: 30.
	RetentionDays int `yaml:"retention_days" toml:"retention_days" json:"retention_days"`
}

// Monitor tunes the worker health monitor.
type Monitor struct {
	// Interval between health sweeps, clamped to [5s, 300s]. Default: 30s.
	Interval Duration `yaml:"interval" toml:"interval" json:"interval"`
}

// Archive configures optional S3 upload of closed job logs.
type Archive struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Bucket   string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Region   string `yaml:"region" toml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load finds and parses a dispatch config file from the given directory.
// Returns defaults when no file exists.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"dispatch.toml", parseTOML},
		{"dispatch.yaml", parseYAML},
		{"dispatch.yml", parseYAML},
		{"dispatch.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}

		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}

		return &cfg, c.name, nil
	}

	cfg := &Config{}
	cfg.applyDefaults()
	return cfg, "", nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive enabled but no bucket configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix()
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Broker.Host == "" {
		c.Broker.Host = "127.0.0.1"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 6379
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = Duration(5 * time.Second)
	}
	if c.Dispatch.AgentTimeout == 0 {
		c.Dispatch.AgentTimeout = Duration(30 * time.Second)
	}
	if c.Dispatch.RetentionDays == 0 {
		c.Dispatch.RetentionDays = 30
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = Duration(30 * time.Second)
	}
	if c.Monitor.Interval < Duration(5*time.Second) {
		c.Monitor.Interval = Duration(5 * time.Second)
	}
	if c.Monitor.Interval > Duration(300*time.Second) {
		c.Monitor.Interval = Duration(300 * time.Second)
	}
}

// DefaultPrefix resolves the state root: DISPATCH_PREFIX, else ~/.dispatch.
func DefaultPrefix() string {
	if p := os.Getenv("DISPATCH_PREFIX"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}

// Layout helpers for the persisted state tree under Prefix.

func (c *Config) EtcDir() string      { return filepath.Join(c.Prefix, "etc") }
func (c *Config) SSHKeyDir() string   { return filepath.Join(c.Prefix, "etc", "ssh_keys") }
func (c *Config) LibDir() string      { return filepath.Join(c.Prefix, "lib") }
func (c *Config) TmpDir() string      { return filepath.Join(c.Prefix, "tmp") }
func (c *Config) JobLogDir() string   { return filepath.Join(c.Prefix, "logs", "jobs") }
func (c *Config) WorkerLogDir() string { return filepath.Join(c.Prefix, "logs", "workers") }
func (c *Config) QueueLogDir() string { return filepath.Join(c.Prefix, "logs", "queues") }

// BrokerPasswordFile is the shared secret consulted by both the backend and
// the worker agents.
func (c *Config) BrokerPasswordFile() string {
	return filepath.Join(c.EtcDir(), ".redis_password")
}

// BrokerLogFile is where a managed redis-server writes its log.
func (c *Config) BrokerLogFile() string {
	return filepath.Join(c.Prefix, "logs", "redis.log")
}

// BrokerPIDFile is where a managed redis-server records its pid.
func (c *Config) BrokerPIDFile() string {
	return filepath.Join(c.TmpDir(), "redis.pid")
}

// StoreDSN resolves the effective store DSN.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.LibDir(), AppName+".db")
}

// EnsureLayout creates the state directories under the prefix.
func (c *Config) EnsureLayout() error {
	for _, dir := range []string{
		c.EtcDir(), c.SSHKeyDir(), c.LibDir(), c.TmpDir(),
		c.JobLogDir(), c.WorkerLogDir(), c.QueueLogDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
