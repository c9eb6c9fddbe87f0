package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend    BackendConfig    `yaml:"backend" validate:"required"`
	Generation GenerationConfig `yaml:"generation" validate:"required"`
	History    HistoryConfig    `yaml:"history"`
}

type BackendConfig struct {
	URL       string          `yaml:"url" validate:"required,startswith=ws"`
	Provider  string          `yaml:"provider" validate:"required,oneof=claude openai gemini deepseek qwen kimi ollama"`
	Model     string          `yaml:"model" validate:"required"`
	RateLimit RateLimitConfig `yaml:"rate_limit" validate:"required"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"required,min=1,max=1000"`
	BurstSize         int `yaml:"burst_size" validate:"required,min=1,max=100"`
}

// GenerationConfig controls the orchestration state machine.
type GenerationConfig struct {
	AutoApprovePlan bool         `yaml:"auto_approve_plan"`
	MaxRetries      int          `yaml:"max_retries" validate:"min=0,max=10"`
	Capabilities    Capabilities `yaml:"capabilities"`
}

// Capabilities select which generation strategies the dispatcher
// handles. Disabled strategies still narrate their events but keep no
// structured progress state.
type Capabilities struct {
	MultiPart bool `yaml:"multi_part"`
	Iterative bool `yaml:"iterative"`
	Consensus bool `yaml:"consensus"`
	PlanGate  bool `yaml:"plan_gate"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
	Keep int    `yaml:"keep" validate:"min=0"`
}

func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:      "ws://127.0.0.1:8472/stream",
			Provider: "claude",
			Model:    "claude-3-5-sonnet-20241022",
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 30,
				BurstSize:         10,
			},
		},
		Generation: GenerationConfig{
			AutoApprovePlan: false,
			MaxRetries:      3,
			Capabilities: Capabilities{
				MultiPart: true,
				Iterative: true,
				Consensus: true,
				PlanGate:  true,
			},
		},
		History: HistoryConfig{
			Path: defaultHistoryPath(),
			Keep: 200,
		},
	}
}

// Load reads the YAML config, falling back to defaults when no file
// exists. PARTFORGE_BACKEND_URL overrides the backend URL from the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := getConfigPath()

	cfg := Default()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if url := os.Getenv("PARTFORGE_BACKEND_URL"); url != "" {
		cfg.Backend.URL = url
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func getConfigPath() string {
	if path := os.Getenv("PARTFORGE_CONFIG"); path != "" {
		return path
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "partforge", "config.yaml")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "partforge", "config.yaml")
}

func defaultHistoryPath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "partforge", "history.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "partforge", "history.db")
}

// expandTilde expands a leading ~/ to the user's home directory.
func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func (c *Config) validate() error {
	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath()
	} else {
		c.History.Path = expandTilde(c.History.Path)
	}

	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
