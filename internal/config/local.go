package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalConfig holds configuration for local daemon mode
type LocalConfig struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Storage StorageConfig `yaml:"storage"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// DaemonConfig holds daemon server settings
type DaemonConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"`
	LogLevel string `yaml:"log_level"`
}

// StorageConfig selects and configures the node store
type StorageConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url,omitempty"`
}

// SandboxConfig holds container lifecycle settings
type SandboxConfig struct {
	BaseWorkDir        string `yaml:"base_work_dir"`
	IdleTimeoutMinutes int    `yaml:"idle_timeout_minutes"`
	StopGraceSeconds   int    `yaml:"stop_grace_seconds"`
	ExecTimeoutSeconds int    `yaml:"exec_timeout_seconds"`
}

// HarborDir returns the path to ~/.codeharbor
func HarborDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".codeharbor"), nil
}

// EnsureHarborDir creates ~/.codeharbor and subdirectories if they
// don't exist
func EnsureHarborDir() (string, error) {
	dir, err := HarborDir()
	if err != nil {
		return "", err
	}

	subdirs := []string{
		"",
		"logs",
		"workspaces",
		"db",
	}

	for _, subdir := range subdirs {
		path := filepath.Join(dir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}

	return dir, nil
}

// DefaultLocalConfig returns sensible defaults for local mode
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Daemon: DaemonConfig{
			Port:     7981,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "db/harbor.db",
		},
		Sandbox: SandboxConfig{
			BaseWorkDir:        "workspaces",
			IdleTimeoutMinutes: 30,
			StopGraceSeconds:   10,
			ExecTimeoutSeconds: 60,
		},
	}
}

// LoadLocalConfig loads configuration from ~/.codeharbor/config.yaml
func LoadLocalConfig() (*LocalConfig, error) {
	dir, err := HarborDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(dir, "config.yaml")

	// If config doesn't exist, return defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultLocalConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultLocalConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// SaveLocalConfig saves configuration to ~/.codeharbor/config.yaml
func SaveLocalConfig(cfg *LocalConfig) error {
	dir, err := EnsureHarborDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(dir, "config.yaml")

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// ResolvePath resolves a config-relative path against the harbor dir.
// Absolute paths pass through unchanged.
func ResolvePath(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
