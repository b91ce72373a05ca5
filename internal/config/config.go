// Package config loads botforge configuration from .botforge/config.yaml
// with environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all botforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace root every file read/write must resolve inside
	Workspace string `yaml:"workspace"`

	// Gateway control channel
	Gateway GatewayConfig `yaml:"gateway"`

	// Generation backends, in registration order
	Providers []ProviderConfig `yaml:"providers"`

	// HTTP API surface
	Server ServerConfig `yaml:"server"`

	// Execution-record store
	Store StoreConfig `yaml:"store"`

	// Skill prompt overrides
	Skills SkillsConfig `yaml:"skills"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig configures the persistent control channel.
type GatewayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	AutoReconnect bool   `yaml:"auto_reconnect"`
	ClientID      string `yaml:"client_id"`
	ClientVersion string `yaml:"client_version"`
	Locale        string `yaml:"locale"`
}

// ProviderConfig configures one generation backend.
type ProviderConfig struct {
	Name    string `yaml:"name"` // anthropic, openai, gemini, openrouter, deepseek
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// StoreConfig configures execution-record persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SkillsConfig configures skill prompt overrides.
type SkillsConfig struct {
	PromptDir string `yaml:"prompt_dir"` // optional; watched for changes when set
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfigPath returns the default path to .botforge/config.yaml
// under the given workspace.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".botforge", "config.yaml")
}

// Default returns a config with sensible defaults applied.
func Default() *Config {
	return &Config{
		Name:    "botforge",
		Version: "1.0.0",
		Gateway: GatewayConfig{
			URL:           "ws://127.0.0.1:18789",
			AutoReconnect: true,
			ClientVersion: "1.0.0",
			Locale:        "en-US",
		},
		Server: ServerConfig{
			Addr:            ":8089",
			ShutdownTimeout: "10s",
		},
		Store: StoreConfig{
			Path: ".botforge/botforge.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from path, falling back to defaults when the file does
// not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
		cfg.Workspace = cwd
	}

	return cfg, nil
}

// applyEnvOverrides layers environment variables over file values.
// Provider keys append a provider if none with that name is configured;
// an existing entry keeps its model/base_url and only gains the key.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("BOTFORGE_GATEWAY_URL"); url != "" {
		c.Gateway.URL = url
		c.Gateway.Enabled = true
	}
	if token := os.Getenv("BOTFORGE_GATEWAY_TOKEN"); token != "" {
		c.Gateway.Token = token
	}
	if v := os.Getenv("BOTFORGE_GATEWAY_RECONNECT"); v != "" {
		c.Gateway.AutoReconnect = v == "true" || v == "1"
	}
	if addr := os.Getenv("BOTFORGE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("BOTFORGE_DB"); path != "" {
		c.Store.Path = path
	}
	if ws := os.Getenv("BOTFORGE_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}

	// Per-backend credentials. Registration order of env-appended providers
	// is fixed so fallback ordering stays deterministic.
	envProviders := []struct {
		envVar string
		name   string
	}{
		{"ANTHROPIC_API_KEY", "anthropic"},
		{"OPENAI_API_KEY", "openai"},
		{"GEMINI_API_KEY", "gemini"},
		{"OPENROUTER_API_KEY", "openrouter"},
		{"DEEPSEEK_API_KEY", "deepseek"},
	}
	for _, p := range envProviders {
		key := os.Getenv(p.envVar)
		if key == "" {
			continue
		}
		if existing := c.findProvider(p.name); existing != nil {
			if existing.APIKey == "" {
				existing.APIKey = key
			}
			continue
		}
		c.Providers = append(c.Providers, ProviderConfig{Name: p.name, APIKey: key})
	}
}

func (c *Config) findProvider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// ParseDuration parses a duration string, returning fallback on empty or
// invalid input.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider: %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
