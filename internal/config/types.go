// Package config provides configuration types for Conduit.
package config

// Config represents the main Conduit configuration.
type Config struct {
	Model    ModelConfig    `toml:"model"`
	Agent    AgentConfig    `toml:"agent"`
	Cache    CacheConfig    `toml:"cache"`
	Backends BackendsConfig `toml:"backends"`
	Paths    PathsConfig    `toml:"paths"`
	Log      LogConfig      `toml:"log"`
}

// ModelConfig configures the planning model endpoint.
type ModelConfig struct {
	Provider    string  `toml:"provider"` // openrouter, openai-compatible
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	APIKeyEnv   string  `toml:"api_key_env"` // env var holding the API key
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	TimeoutSecs int     `toml:"timeout_secs"`
}

// AgentConfig configures execution behavior.
type AgentConfig struct {
	// MaxIterations bounds total step attempts in agentic mode
	MaxIterations int `toml:"max_iterations"`

	// MaxRetriesPerStep bounds retries of a single sub-goal
	MaxRetriesPerStep int `toml:"max_retries_per_step"`

	// MaxToolSteps bounds tool calls in one direct-mode turn
	MaxToolSteps int `toml:"max_tool_steps"`

	// Agentic enables plan/act/reflect mode by default
	Agentic bool `toml:"agentic"`

	// MultiAgent enables task routing across backends by default
	MultiAgent bool `toml:"multi_agent"`
}

// CacheConfig configures the feedback-gated response cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	File    string `toml:"file"`
}

// BackendsConfig locates the MCP server definitions.
type BackendsConfig struct {
	// ConfigFile is the mcp_config.json path listing server commands
	ConfigFile string `toml:"config_file"`

	// ConnectTimeoutSecs bounds each server handshake
	ConnectTimeoutSecs int `toml:"connect_timeout_secs"`
}

// PathsConfig contains file path settings.
type PathsConfig struct {
	DataDir   string `toml:"data_dir"`
	HistoryDB string `toml:"history_db"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level       string `toml:"level"` // debug, info, warn, error
	Development bool   `toml:"development"`
}
