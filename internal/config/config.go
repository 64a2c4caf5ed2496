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
var ErrNoConfig = errors.New("no sling config file found")

// Config is the parsed sling server configuration.
type Config struct {
	// Addr is the listen address for the HTTP API. Default: ":8070".
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// DataDir holds the SQLite database and filesystem media store.
	// Default: ~/.sling.
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`

	// DatabaseURL selects the database. Empty means SQLite at
	// <data_dir>/sling.db; a postgres:// URL selects PostgreSQL.
	DatabaseURL string `yaml:"database_url" toml:"database_url" json:"database_url"`

	// SecretKey encrypts queued submission passwords at rest. Jobs that
	// carry a password cannot be deferred without it.
	SecretKey string `yaml:"secret_key" toml:"secret_key" json:"secret_key"`

	// JWTSecret signs short-lived websocket tickets. Generated at startup
	// when empty, which invalidates outstanding tickets on restart.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" json:"jwt_secret"`

	// DispatchWorkers is the number of goroutines draining the deferred
	// submission queue. Default: 4.
	DispatchWorkers int `yaml:"dispatch_workers" toml:"dispatch_workers" json:"dispatch_workers"`

	// DefaultTimeout bounds job run time when the submission does not set
	// one. Zero means no limit.
	DefaultTimeout Duration `yaml:"default_timeout" toml:"default_timeout" json:"default_timeout"`

	// KnownHostsFile overrides where SSH host keys are recorded.
	// Default: ~/.ssh/known_hosts.
	KnownHostsFile string `yaml:"known_hosts_file" toml:"known_hosts_file" json:"known_hosts_file"`

	// Media selects where captured result files live.
	Media MediaConfig `yaml:"media" toml:"media" json:"media"`
}

// MediaConfig selects and configures the result file store.
type MediaConfig struct {
	// Backend is "filesystem" or "s3". Default: "filesystem".
	Backend string `yaml:"backend" toml:"backend" json:"backend"`

	// Dir is the filesystem store root. Default: <data_dir>/media.
	Dir string `yaml:"dir" toml:"dir" json:"dir"`

	S3 S3Config `yaml:"s3" toml:"s3" json:"s3"`
}

// S3Config configures the S3 media backend. Endpoint may point at any
// S3-compatible service.
type S3Config struct {
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
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

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load finds and parses a sling config file from the given directory.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{".sling.yaml", parseYAML},
		{".sling.yml", parseYAML},
		{".sling.toml", parseTOML},
		{".sling.json", parseJSON},
		{"sling.yaml", parseYAML},
		{"sling.yml", parseYAML},
		{"sling.toml", parseTOML},
		{"sling.json", parseJSON},
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

	return nil, "", ErrNoConfig
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
	if c.DispatchWorkers < 0 {
		return errors.New("dispatch_workers cannot be negative")
	}

	switch c.Media.Backend {
	case "", "filesystem":
	case "s3":
		if c.Media.S3.Bucket == "" {
			return errors.New("media backend s3 requires a bucket")
		}
	default:
		return fmt.Errorf("unknown media backend %q", c.Media.Backend)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8070"
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".sling")
		} else {
			c.DataDir = ".sling"
		}
	}
	if c.DispatchWorkers == 0 {
		c.DispatchWorkers = 4
	}
	if c.Media.Backend == "" {
		c.Media.Backend = "filesystem"
	}
	if c.Media.Dir == "" {
		c.Media.Dir = filepath.Join(c.DataDir, "media")
	}
}

// DatabasePath returns the SQLite file path used when DatabaseURL is empty.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sling.db")
}

// UsesPostgres reports whether DatabaseURL selects PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return len(c.DatabaseURL) > 0
}
