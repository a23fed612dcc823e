// Package config handles Chorus configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./chorus.yaml, ~/.config/chorus/config.yaml, /etc/chorus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"chorus.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chorus", "config.yaml"))
	}

	paths = append(paths, "/etc/chorus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Chorus configuration.
type Config struct {
	// CatalogPath points at the model catalog YAML. Relative paths are
	// resolved against the working directory.
	CatalogPath string `yaml:"catalog_path"`

	// Providers holds per-provider API settings, keyed by provider name
	// (openai, anthropic, huggingface).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Connwatch ConnwatchConfig `yaml:"connwatch"`

	// SummaryPrompt is the system prompt used for /summary. Empty means
	// no system message is sent.
	SummaryPrompt string `yaml:"summary_prompt"`

	LogLevel string `yaml:"log_level"`
}

// ProviderConfig defines one provider's API settings.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the provider's default API host. Useful for
	// proxies and compatible self-hosted endpoints.
	BaseURL string `yaml:"base_url"`
}

// ConnwatchConfig defines the background connection prober.
type ConnwatchConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalSec is the probe cadence while a provider is healthy
	// (default 60).
	IntervalSec int `yaml:"interval_sec"`
	// MaxBackoffSec caps the retry backoff while a provider is down
	// (default 300).
	MaxBackoffSec int `yaml:"max_backoff_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		CatalogPath: "models.yaml",
		Connwatch: ConnwatchConfig{
			IntervalSec:   60,
			MaxBackoffSec: 300,
		},
	}
}

// Credential returns the API key for a provider: the configured
// api_key if set, otherwise the <PROVIDER>_API_KEY environment
// variable. Empty when neither is set.
func (c *Config) Credential(provider string) string {
	key := strings.ToLower(strings.TrimSpace(provider))
	if p, ok := c.Providers[key]; ok && p.APIKey != "" {
		return p.APIKey
	}
	return os.Getenv(strings.ToUpper(key) + "_API_KEY")
}

// BaseURL returns the configured endpoint override for a provider, or
// empty when the provider's default host should be used.
func (c *Config) BaseURL(provider string) string {
	key := strings.ToLower(strings.TrimSpace(provider))
	return c.Providers[key].BaseURL
}
