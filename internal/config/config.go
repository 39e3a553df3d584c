// Package config loads and persists the devbay server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig tunes the file sync loops.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval,omitempty"`        // scan interval (e.g. "2s")
	Debounce       time.Duration `yaml:"debounce,omitempty"`        // fsnotify wake-up debounce
	ConflictPolicy string        `yaml:"conflict_policy,omitempty"` // "prefer-newest" or "strict"
}

// Config is the devbay server configuration.
type Config struct {
	SocketPath      string        `yaml:"socket_path,omitempty"`
	WorkspaceDir    string        `yaml:"workspace_dir,omitempty"`
	EngineCallLimit int64         `yaml:"engine_call_limit,omitempty"` // max concurrent engine calls
	StopTimeout     time.Duration `yaml:"stop_timeout,omitempty"`
	Sync            SyncConfig    `yaml:"sync,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return Config{
		SocketPath:      "/var/run/devbay/devbay.sock",
		WorkspaceDir:    filepath.Join(home, ".devbay"),
		EngineCallLimit: 8,
		StopTimeout:     5 * time.Second,
		Sync: SyncConfig{
			Interval:       2 * time.Second,
			Debounce:       250 * time.Millisecond,
			ConflictPolicy: "prefer-newest",
		},
	}
}

// DefaultPath returns the canonical config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".config", "devbay", "config.yaml")
}

// Load reads a YAML config from path. A missing file yields the defaults;
// zero-valued fields in a present file are filled from the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if loaded.SocketPath != "" {
		cfg.SocketPath = loaded.SocketPath
	}
	if loaded.WorkspaceDir != "" {
		cfg.WorkspaceDir = loaded.WorkspaceDir
	}
	if loaded.EngineCallLimit > 0 {
		cfg.EngineCallLimit = loaded.EngineCallLimit
	}
	if loaded.StopTimeout > 0 {
		cfg.StopTimeout = loaded.StopTimeout
	}
	if loaded.Sync.Interval > 0 {
		cfg.Sync.Interval = loaded.Sync.Interval
	}
	if loaded.Sync.Debounce > 0 {
		cfg.Sync.Debounce = loaded.Sync.Debounce
	}
	if loaded.Sync.ConflictPolicy != "" {
		cfg.Sync.ConflictPolicy = loaded.Sync.ConflictPolicy
	}

	return cfg, nil
}

// Save writes the config atomically (temp file, then rename).
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
