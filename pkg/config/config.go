// Package config provides the YAML server configuration for titan.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file name looked up in the data directory.
const FileName = "titan.yaml"

// Config represents the titan server configuration.
type Config struct {
	DataDir  string          `yaml:"data_dir"`
	Metadata MetadataConfig  `yaml:"metadata"`
	Context  ContextConfig   `yaml:"context"`
	Reaper   ReaperConfig    `yaml:"reaper"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Audit    AuditConfig     `yaml:"audit"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// MetadataConfig locates the metadata database.
type MetadataConfig struct {
	Path string `yaml:"path"` // relative to data_dir unless absolute; ":memory:" allowed
}

// ContextConfig selects and configures the storage runtime context.
type ContextConfig struct {
	Provider   string            `yaml:"provider"` // local, kubernetes-csi
	Properties map[string]string `yaml:"properties,omitempty"`
}

// ReaperConfig tunes the background reaper.
type ReaperConfig struct {
	MaxPasses int `yaml:"max_passes"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AuditConfig locates the audit trail.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// WebhookConfig describes one webhook receiver.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret,omitempty"`
	Events []string `yaml:"events"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:  defaultDataDir(),
		Metadata: MetadataConfig{Path: "titan.db"},
		Context: ContextConfig{
			Provider:   "local",
			Properties: map[string]string{"engine": "auto"},
		},
		Reaper:  ReaperConfig{MaxPasses: 16},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Address: ":9090"},
		Audit:   AuditConfig{Path: "audit.jsonl"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("TITAN_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".titan"
	}
	return filepath.Join(home, ".titan")
}

// Load loads configuration from path.
// Returns default config if file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Context.Provider {
	case "local", "kubernetes-csi":
	default:
		return fmt.Errorf("config: unknown context provider %q", c.Context.Provider)
	}
	if c.Reaper.MaxPasses < 1 {
		return fmt.Errorf("config: reaper.max_passes must be at least 1")
	}
	return nil
}

// Resolve returns p relative to the data directory unless it is absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// MetadataPath returns the resolved metadata database location.
func (c *Config) MetadataPath() string {
	return c.Resolve(c.Metadata.Path)
}

// AuditPath returns the resolved audit trail location.
func (c *Config) AuditPath() string {
	return c.Resolve(c.Audit.Path)
}
