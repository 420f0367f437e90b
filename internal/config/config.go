// Package config provides configuration loading and validation for the CLI and server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/storyforge/internal/llm"
)

// Defaults used when neither the config file nor the environment sets a value.
const (
	DefaultPort                    = 8080
	DefaultDefinitionsDir          = "definitions"
	DefaultBranch                  = "main"
	DefaultAuditBranch             = "_runs"
	DefaultLogLevel                = "info"
	DefaultExecutionMaxAttempts    = 3
	DefaultExecutionInitialBackoff = 500 * time.Millisecond
	DefaultExecutionMaxBackoff     = 10 * time.Second
	DefaultCritiqueMaxRetries      = 3
	DefaultRunTTL                  = 7 * 24 * time.Hour
)

// Duration is a time.Duration that reads from JSON as either a Go duration string
// ("500ms") or a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults, the environment or CLI flags.
type Config struct {
	// Server
	Port int `json:"port,omitempty"`

	// Storage
	DatabaseURL    string   `json:"database_url,omitempty"`    // PostgreSQL URL; empty keeps the event log in memory
	RedisURL       string   `json:"redis_url,omitempty"`       // Redis URL; empty keeps runs in memory
	DefinitionsDir string   `json:"definitions_dir,omitempty"` // Directory of pipeline definitions
	DefaultBranch  string   `json:"default_branch,omitempty"`
	AuditBranch    string   `json:"audit_branch,omitempty"`
	RunTTL         Duration `json:"run_ttl,omitempty"`

	// Logging
	LogLevel  string `json:"log_level,omitempty"`
	LogPretty bool   `json:"log_pretty,omitempty"`

	// Generation
	LLMProvider llm.Provider `json:"llm_provider,omitempty"` // gemini, eino-openai or none
	Model       string       `json:"model,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	APIKey      string       `json:"api_key,omitempty"`
	LLMBaseURL  string       `json:"llm_base_url,omitempty"`

	// Step behavior
	ExecutionMaxAttempts    int      `json:"execution_max_attempts,omitempty"`
	ExecutionInitialBackoff Duration `json:"execution_initial_backoff,omitempty"`
	ExecutionMaxBackoff     Duration `json:"execution_max_backoff,omitempty"`
	CritiqueMaxRetries      int      `json:"critique_max_retries,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:                    DefaultPort,
		DefinitionsDir:          DefaultDefinitionsDir,
		DefaultBranch:           DefaultBranch,
		AuditBranch:             DefaultAuditBranch,
		RunTTL:                  Duration(DefaultRunTTL),
		LogLevel:                DefaultLogLevel,
		LLMProvider:             llm.ProviderGemini,
		ExecutionMaxAttempts:    DefaultExecutionMaxAttempts,
		ExecutionInitialBackoff: Duration(DefaultExecutionInitialBackoff),
		ExecutionMaxBackoff:     Duration(DefaultExecutionMaxBackoff),
		CritiqueMaxRetries:      DefaultCritiqueMaxRetries,
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Load reads the optional config file at path, applies environment overrides and
// fills the remaining fields from Defaults. The result is validated.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return Config{}, err
		}
		cfg = *fileCfg
	}
	cfg.ApplyEnv()
	cfg = cfg.MergeWithDefaults(Defaults())
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with any environment variables that are set.
func (c *Config) ApplyEnv() {
	c.Port = envInt("STORY_PORT", c.Port)
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = envStr("REDIS_URL", c.RedisURL)
	c.DefinitionsDir = envStr("STORY_DEFINITIONS_DIR", c.DefinitionsDir)
	c.DefaultBranch = envStr("STORY_DEFAULT_BRANCH", c.DefaultBranch)
	c.AuditBranch = envStr("STORY_AUDIT_BRANCH", c.AuditBranch)
	c.RunTTL = Duration(envDuration("STORY_RUN_TTL", c.RunTTL.Std()))
	c.LogLevel = envStr("STORY_LOG_LEVEL", c.LogLevel)
	c.LogPretty = envBool("STORY_LOG_PRETTY", c.LogPretty)
	c.LLMProvider = llm.Provider(envStr("STORY_LLM_PROVIDER", string(c.LLMProvider)))
	c.Model = envStr("STORY_MODEL", c.Model)
	c.LLMBaseURL = envStr("STORY_LLM_BASE_URL", c.LLMBaseURL)
	c.ExecutionMaxAttempts = envInt("STORY_EXECUTION_MAX_ATTEMPTS", c.ExecutionMaxAttempts)
	c.ExecutionInitialBackoff = Duration(envDuration("STORY_EXECUTION_INITIAL_BACKOFF", c.ExecutionInitialBackoff.Std()))
	c.ExecutionMaxBackoff = Duration(envDuration("STORY_EXECUTION_MAX_BACKOFF", c.ExecutionMaxBackoff.Std()))
	c.CritiqueMaxRetries = envInt("STORY_CRITIQUE_MAX_RETRIES", c.CritiqueMaxRetries)
	if v := os.Getenv("STORY_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Temperature = f
		}
	}
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those are handled
// by CLI flag validation after merging.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}
	if c.DefaultBranch != "" && c.DefaultBranch == c.AuditBranch {
		return fmt.Errorf("config error: 'audit_branch' must differ from 'default_branch'")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config error: 'temperature' must be between 0 and 2")
	}
	if c.ExecutionMaxAttempts < 0 || c.ExecutionMaxAttempts > 10 {
		return fmt.Errorf("config error: 'execution_max_attempts' must be between 1 and 10")
	}
	if c.ExecutionInitialBackoff < 0 || c.ExecutionMaxBackoff < 0 {
		return fmt.Errorf("config error: execution backoff must be non-negative")
	}
	if c.ExecutionMaxBackoff > 0 && c.ExecutionInitialBackoff > c.ExecutionMaxBackoff {
		return fmt.Errorf("config error: 'execution_initial_backoff' exceeds 'execution_max_backoff'")
	}
	if c.CritiqueMaxRetries < 0 {
		return fmt.Errorf("config error: 'critique_max_retries' must be non-negative")
	}
	if c.RunTTL < 0 {
		return fmt.Errorf("config error: 'run_ttl' must be non-negative")
	}
	switch c.LLMProvider {
	case "", llm.ProviderGemini, llm.ProviderEinoOpenAI, llm.ProviderNone:
	default:
		return fmt.Errorf("config error: unknown 'llm_provider' %q", c.LLMProvider)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("config error: unknown 'log_level' %q", c.LogLevel)
	}
	if c.DefinitionsDir != "" {
		if info, err := os.Stat(c.DefinitionsDir); err == nil && !info.IsDir() {
			return fmt.Errorf("config error: definitions_dir is not a directory: %s", c.DefinitionsDir)
		}
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.RedisURL == "" {
		result.RedisURL = defaults.RedisURL
	}
	if result.DefinitionsDir == "" {
		result.DefinitionsDir = defaults.DefinitionsDir
	}
	if result.DefaultBranch == "" {
		result.DefaultBranch = defaults.DefaultBranch
	}
	if result.AuditBranch == "" {
		result.AuditBranch = defaults.AuditBranch
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.LLMProvider == "" {
		result.LLMProvider = defaults.LLMProvider
	}
	if result.Model == "" {
		result.Model = defaults.Model
	}
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if result.LLMBaseURL == "" {
		result.LLMBaseURL = defaults.LLMBaseURL
	}

	// Numeric fields: use default if zero
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.Temperature == 0 {
		result.Temperature = defaults.Temperature
	}
	if result.ExecutionMaxAttempts == 0 {
		result.ExecutionMaxAttempts = defaults.ExecutionMaxAttempts
	}
	if result.ExecutionInitialBackoff == 0 {
		result.ExecutionInitialBackoff = defaults.ExecutionInitialBackoff
	}
	if result.ExecutionMaxBackoff == 0 {
		result.ExecutionMaxBackoff = defaults.ExecutionMaxBackoff
	}
	if result.CritiqueMaxRetries == 0 {
		result.CritiqueMaxRetries = defaults.CritiqueMaxRetries
	}
	if result.RunTTL == 0 {
		result.RunTTL = defaults.RunTTL
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// LLM returns the generation adapter configuration.
func (c *Config) LLM() *llm.Config {
	return &llm.Config{
		Provider:    c.LLMProvider,
		Model:       c.Model,
		Temperature: c.Temperature,
		APIKey:      c.APIKey,
		BaseURL:     c.LLMBaseURL,
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
