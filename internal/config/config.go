package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Backend   BackendConfig  `yaml:"backend"`
	Bootstrap RetryConfig    `yaml:"bootstrap"`
	Reconnect RetryConfig    `yaml:"reconnect"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Database  DatabaseConfig `yaml:"database"`
	Logging   LoggingConfig  `yaml:"logging"`
}

type BackendConfig struct {
	URL string `yaml:"url"` // HTTP base, e.g. "http://localhost:8000"
}

// RetryConfig is a linear backoff: attempt n waits n×Step, up to MaxAttempts retries.
type RetryConfig struct {
	Step        time.Duration `yaml:"step"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type DispatchConfig struct {
	// ProcessingAgents raise the processing indicator when they start working.
	ProcessingAgents []string `yaml:"processing_agents"`
	// StrictTypes rejects unknown envelope types instead of ignoring them.
	StrictTypes bool `yaml:"strict_types"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty disables history
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir, _ := GetUserConfigDir()
	return &Config{
		Backend:   BackendConfig{URL: "http://localhost:8000"},
		Bootstrap: RetryConfig{Step: 2 * time.Second, MaxAttempts: 5},
		Reconnect: RetryConfig{Step: time.Second, MaxAttempts: 5},
		Dispatch: DispatchConfig{
			ProcessingAgents: []string{"suggestion_generator", "ranking_agent"},
		},
		Database: DatabaseConfig{Path: filepath.Join(dir, "history.db")},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from path on top of Default. A missing file is not
// an error. Variables from a .env file in the working directory, then the
// process environment, override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// .env is optional; existing environment variables win over it.
	_ = godotenv.Load()

	if v := os.Getenv("CALLCOACH_BACKEND"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("CALLCOACH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CALLCOACH_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("CALLCOACH_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CALLCOACH_PROCESSING_AGENTS"); v != "" {
		cfg.Dispatch.ProcessingAgents = splitList(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return fmt.Errorf("backend.url must start with http:// or https://")
	}
	if c.Bootstrap.Step <= 0 || c.Bootstrap.MaxAttempts < 1 {
		return fmt.Errorf("bootstrap.step and bootstrap.max_attempts must be positive")
	}
	if c.Reconnect.Step <= 0 || c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.step and reconnect.max_attempts must be positive")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := EnsureConfigDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
