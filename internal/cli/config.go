package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// CLIConfig represents the CLI configuration file (~/.sling/config).
type CLIConfig struct {
	Default string                  `toml:"default,omitempty"`
	Servers map[string]ServerConfig `toml:"servers"`
}

// ServerConfig holds the connection details for one named server.
type ServerConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
	User  string `toml:"user"`
}

// ConfigPath returns the config file path. SLING_CONFIG overrides the
// default of ~/.sling/config.
func ConfigPath() string {
	if p := os.Getenv("SLING_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sling", "config")
}

// LoadConfig loads the CLI config from disk. A missing file yields an empty
// config so first-run commands can still work.
func LoadConfig() (*CLIConfig, error) {
	path := ConfigPath()
	if path == "" {
		return &CLIConfig{Servers: make(map[string]ServerConfig)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &CLIConfig{Servers: make(map[string]ServerConfig)}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg CLIConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}

	return &cfg, nil
}

// SaveConfig saves the CLI config to disk.
func SaveConfig(cfg *CLIConfig) error {
	path := ConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write to temp file first
	tmpFile := path + ".tmp"
	f, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("write config: %w", err)
	}
	f.Close()

	// Atomic rename
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("save config: %w", err)
	}

	return nil
}

// Resolve picks a server entry: the named one, then the configured default,
// then the sole entry if there is exactly one.
func (c *CLIConfig) Resolve(name string) (*ServerConfig, error) {
	if name != "" {
		sc, ok := c.Servers[name]
		if !ok {
			return nil, fmt.Errorf("no server named %q in config", name)
		}
		return &sc, nil
	}
	if c.Default != "" {
		sc, ok := c.Servers[c.Default]
		if !ok {
			return nil, fmt.Errorf("default server %q missing from config", c.Default)
		}
		return &sc, nil
	}
	if len(c.Servers) == 1 {
		for _, sc := range c.Servers {
			return &sc, nil
		}
	}
	return nil, fmt.Errorf("no server configured; run 'sling login' first")
}

// SetServerConfig sets or updates a server entry. The first entry added
// becomes the default.
func (c *CLIConfig) SetServerConfig(name string, sc ServerConfig) {
	if len(c.Servers) == 0 {
		c.Default = name
	}
	c.Servers[name] = sc
}
