package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Recall configuration.
type Config struct {
	Listen       string            `yaml:"listen"`
	DBPath       string            `yaml:"db_path"`
	Backend      BackendConfig     `yaml:"backend"`
	Cache        CacheConfig       `yaml:"cache"`
	ModelAliases map[string]string `yaml:"model_aliases"`
	Warmup       WarmupConfig      `yaml:"warmup"`
}

// BackendConfig defines the single upstream model backend.
type BackendConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig controls the completion cache. IncludeModelInKey decides
// whether the model name participates in the fingerprint; leave it off for
// single-backend deployments where aliases all resolve to one model.
type CacheConfig struct {
	Enabled           bool `yaml:"enabled"`
	IncludeModelInKey bool `yaml:"include_model_in_key"`
}

// WarmupConfig controls the optional warmup completion sent at proxy start
// so the first real request does not pay model load time.
type WarmupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8000",
		DBPath: "recall.db",
		Backend: BackendConfig{
			Name:    "ollama",
			URL:     "http://localhost:11434",
			Timeout: 2 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("config: backend.url is required")
	}

	return cfg, nil
}
