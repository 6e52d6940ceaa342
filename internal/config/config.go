// Package config handles Tally configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tally/config.yaml, /etc/tally/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tally", "config.yaml"))
	}

	paths = append(paths, "/etc/tally/config.yaml")
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

// Config holds all Tally configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Models    ModelsConfig            `yaml:"models"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	OpenAI    OpenAIConfig            `yaml:"openai"`
	Gemini    GeminiConfig            `yaml:"gemini"`
	Agent     AgentConfig             `yaml:"agent"`
	Auth      AuthConfig              `yaml:"auth"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address        string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"` // 0 = unlimited
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai, gemini
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines settings for an OpenAI-compatible chat
// completions endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default https://api.openai.com/v1
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// Configured reports whether an OpenAI API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// Configured reports whether a Gemini API key is present.
func (c GeminiConfig) Configured() bool { return c.APIKey != "" }

// AgentConfig bounds a single conversational turn.
type AgentConfig struct {
	MaxRounds        int         `yaml:"max_rounds"`         // tool-execution rounds per turn
	HistoryLimit     int         `yaml:"history_limit"`      // prior messages replayed into the transcript
	TurnTimeoutSec   int         `yaml:"turn_timeout_sec"`   // hard limit for a whole turn
	EngineTimeoutSec int         `yaml:"engine_timeout_sec"` // per completion attempt
	ToolTimeoutSec   int         `yaml:"tool_timeout_sec"`   // per tool call
	MaxParallelReads int         `yaml:"max_parallel_reads"` // concurrent read-only calls in one round
	LeaseTTLSec      int         `yaml:"lease_ttl_sec"`      // conversation write lease
	Retry            RetryConfig `yaml:"retry"`
}

// RetryConfig describes the completion-engine backoff schedule.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         float64 `yaml:"jitter"` // fraction of the delay, 0-1
}

// TurnTimeout returns the configured turn timeout as a duration.
func (a AgentConfig) TurnTimeout() time.Duration {
	return time.Duration(a.TurnTimeoutSec) * time.Second
}

// EngineTimeout returns the per-attempt completion timeout.
func (a AgentConfig) EngineTimeout() time.Duration {
	return time.Duration(a.EngineTimeoutSec) * time.Second
}

// ToolTimeout returns the per-call tool timeout.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSec) * time.Second
}

// LeaseTTL returns the conversation lease lifetime.
func (a AgentConfig) LeaseTTL() time.Duration {
	return time.Duration(a.LeaseTTLSec) * time.Second
}

// AuthConfig configures how callers are identified.
type AuthConfig struct {
	// Tokens maps bearer tokens (stored as bcrypt hashes) to owners.
	Tokens []TokenConfig `yaml:"tokens"`
	// TrustedHeader, when set, names a header an upstream proxy fills
	// with the already-verified owner id. Only use behind such a proxy.
	TrustedHeader string `yaml:"trusted_header"`
}

// TokenConfig binds one bcrypt token hash to an owner id.
type TokenConfig struct {
	Owner     string `yaml:"owner"`
	TokenHash string `yaml:"token_hash"`
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches ${NAME} references. Bare $NAME is left alone so bcrypt
// hashes such as $2a$10$... survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the value of the environment variable
// NAME, or the empty string when it is unset.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	a := &c.Agent
	if a.MaxRounds == 0 {
		a.MaxRounds = 8
	}
	if a.HistoryLimit == 0 {
		a.HistoryLimit = 40
	}
	if a.TurnTimeoutSec == 0 {
		a.TurnTimeoutSec = 90
	}
	if a.EngineTimeoutSec == 0 {
		a.EngineTimeoutSec = 60
	}
	if a.ToolTimeoutSec == 0 {
		a.ToolTimeoutSec = 10
	}
	if a.MaxParallelReads == 0 {
		a.MaxParallelReads = 4
	}
	if a.LeaseTTLSec == 0 {
		a.LeaseTTLSec = a.TurnTimeoutSec + 30
	}

	r := &a.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelayMs == 0 {
		r.InitialDelayMs = 1000
	}
	if r.MaxDelayMs == 0 {
		r.MaxDelayMs = 30000
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	if r.Jitter == 0 {
		r.Jitter = 0.1
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Listen.MaxConnections < 0 {
		return fmt.Errorf("listen.max_connections must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}

	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	seen := make(map[string]bool, len(c.Models.Available))
	for i, m := range c.Models.Available {
		if m.Name == "" {
			return fmt.Errorf("models.available[%d].name must not be empty", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models.available[%d].name %q is a duplicate", i, m.Name)
		}
		seen[m.Name] = true
		switch m.Provider {
		case "", "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				return fmt.Errorf("models.available[%d] (%s): anthropic.api_key is required", i, m.Name)
			}
		case "openai":
			if c.OpenAI.APIKey == "" {
				return fmt.Errorf("models.available[%d] (%s): openai.api_key is required", i, m.Name)
			}
		case "gemini":
			if c.Gemini.APIKey == "" {
				return fmt.Errorf("models.available[%d] (%s): gemini.api_key is required", i, m.Name)
			}
		default:
			return fmt.Errorf("models.available[%d] (%s): unknown provider %q", i, m.Name, m.Provider)
		}
	}

	a := c.Agent
	if a.MaxRounds < 1 {
		return fmt.Errorf("agent.max_rounds must be at least 1")
	}
	if a.MaxParallelReads < 1 {
		return fmt.Errorf("agent.max_parallel_reads must be at least 1")
	}
	if a.EngineTimeoutSec > a.TurnTimeoutSec {
		return fmt.Errorf("agent.engine_timeout_sec (%d) exceeds agent.turn_timeout_sec (%d)",
			a.EngineTimeoutSec, a.TurnTimeoutSec)
	}
	if a.LeaseTTLSec < a.TurnTimeoutSec {
		return fmt.Errorf("agent.lease_ttl_sec (%d) must cover agent.turn_timeout_sec (%d)",
			a.LeaseTTLSec, a.TurnTimeoutSec)
	}
	if a.Retry.MaxAttempts < 1 {
		return fmt.Errorf("agent.retry.max_attempts must be at least 1")
	}
	if a.Retry.Multiplier < 1 {
		return fmt.Errorf("agent.retry.multiplier must be at least 1")
	}
	if a.Retry.Jitter < 0 || a.Retry.Jitter > 1 {
		return fmt.Errorf("agent.retry.jitter %.2f out of range (0-1)", a.Retry.Jitter)
	}

	for i, tok := range c.Auth.Tokens {
		if tok.Owner == "" {
			return fmt.Errorf("auth.tokens[%d].owner must not be empty", i)
		}
		if !strings.HasPrefix(tok.TokenHash, "$2") {
			return fmt.Errorf("auth.tokens[%d] (%s): token_hash must be a bcrypt hash (see tally hash-token)", i, tok.Owner)
		}
	}
	return nil
}
