package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/batchkit-dev/batchkit/internal/backend"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/batchkit/config.yaml or ~/.config/batchkit/config.yaml.
func LoadConfig(path string) (backend.Config, error) {
	var cfg backend.Config
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "batchkit", "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, _ := LoadSecretsEnv("")
	for _, key := range []string{"BATCH_TOKEN", "STORAGE_ACCESS_KEY", "STORAGE_SECRET_KEY"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t, ok := secrets["BATCH_TOKEN"]; ok && t != "" {
		cfg.Backends.Cloud.Token = t
	}
	if t, ok := secrets["STORAGE_ACCESS_KEY"]; ok && t != "" {
		cfg.Storage.AccessKey = t
	}
	if t, ok := secrets["STORAGE_SECRET_KEY"]; ok && t != "" {
		cfg.Storage.SecretKey = t
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *backend.Config) {
	if cfg.Backends.Default == "" {
		cfg.Backends.Default = "local"
	}
	if cfg.Defaults.SSHPort == 0 {
		cfg.Defaults.SSHPort = 22
	}
	if cfg.Defaults.PollSeconds == 0 {
		cfg.Defaults.PollSeconds = 5
	}
	if cfg.Defaults.MonitorMinutes == 0 {
		cfg.Defaults.MonitorMinutes = 60
	}
}
