// Package config handles Conduit configuration loading and management.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".conduit")

	return &Config{
		Model: ModelConfig{
			Provider:    "openrouter",
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-3.5-sonnet",
			APIKeyEnv:   "OPENROUTER_API_KEY",
			Temperature: 0.2,
			MaxTokens:   4096,
			TimeoutSecs: 120,
		},
		Agent: AgentConfig{
			MaxIterations:     10,
			MaxRetriesPerStep: 2,
			MaxToolSteps:      8,
			Agentic:           false,
			MultiAgent:        true,
		},
		Cache: CacheConfig{
			Enabled: true,
			File:    filepath.Join(dataDir, "response_cache.json"),
		},
		Backends: BackendsConfig{
			ConfigFile:         filepath.Join(dataDir, "mcp_config.json"),
			ConnectTimeoutSecs: 15,
		},
		Paths: PathsConfig{
			DataDir:   dataDir,
			HistoryDB: filepath.Join(dataDir, "history.db"),
		},
		Log: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Load loads the configuration from the given path.
// If the file doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, apperrors.Wrap(err, apperrors.CodeConfigNotFound,
			"failed to read config file", apperrors.CategorySystem)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid,
			"failed to parse config file", apperrors.CategoryUser)
	}

	return expandPaths(cfg), nil
}

// Save saves the configuration to the given path.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	return encoder.Encode(c)
}

// APIKey resolves the model API key from the environment.
func (c *Config) APIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

// Validate checks that the configuration is usable for serving requests.
func (c *Config) Validate() error {
	if c.Model.Model == "" {
		return apperrors.User(apperrors.CodeConfigInvalid, "model.model must be set")
	}
	if c.APIKey() == "" {
		return apperrors.NewBuilder(apperrors.CodeConfigInvalid,
			"no API key found in environment").
			User().
			WithSuggestion("export " + c.Model.APIKeyEnv + "=<your key>").
			WithSuggestion("or set model.api_key_env to the variable you use").
			Build()
	}
	if c.Agent.MaxIterations < 1 {
		return apperrors.User(apperrors.CodeConfigInvalid, "agent.max_iterations must be at least 1")
	}
	return nil
}

// expandPaths expands a leading ~ in configured paths.
func expandPaths(cfg *Config) *Config {
	homeDir, _ := os.UserHomeDir()

	expand := func(p string) string {
		if len(p) > 0 && p[0] == '~' {
			return filepath.Join(homeDir, p[1:])
		}
		return p
	}

	cfg.Paths.DataDir = expand(cfg.Paths.DataDir)
	cfg.Paths.HistoryDB = expand(cfg.Paths.HistoryDB)
	cfg.Cache.File = expand(cfg.Cache.File)
	cfg.Backends.ConfigFile = expand(cfg.Backends.ConfigFile)

	return cfg
}
