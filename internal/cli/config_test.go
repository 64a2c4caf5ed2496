package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	t.Setenv("SLING_CONFIG", path)

	cfg := &CLIConfig{Servers: make(map[string]ServerConfig)}
	cfg.SetServerConfig("prod", ServerConfig{
		URL:   "https://sling.example.com",
		Token: "tok-abc",
		User:  "alice",
	})
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	sc, err := loaded.Resolve("prod")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if sc.URL != "https://sling.example.com" || sc.Token != "tok-abc" {
		t.Errorf("server config = %+v", sc)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("SLING_CONFIG", filepath.Join(t.TempDir(), "nope"))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("servers = %+v", cfg.Servers)
	}
}

func TestResolve(t *testing.T) {
	cfg := &CLIConfig{Servers: make(map[string]ServerConfig)}

	if _, err := cfg.Resolve(""); err == nil {
		t.Error("expected error with no servers configured")
	}

	// The first entry becomes the default.
	cfg.SetServerConfig("prod", ServerConfig{URL: "https://prod.example.com"})
	cfg.SetServerConfig("dev", ServerConfig{URL: "https://dev.example.com"})

	sc, err := cfg.Resolve("")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if sc.URL != "https://prod.example.com" {
		t.Errorf("default = %q", sc.URL)
	}

	sc, err = cfg.Resolve("dev")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if sc.URL != "https://dev.example.com" {
		t.Errorf("named = %q", sc.URL)
	}

	if _, err := cfg.Resolve("staging"); err == nil {
		t.Error("expected error for unknown server name")
	}
}
