package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonathan/storyforge/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeConfig(t, `{
		"port": 9090,
		"database_url": "postgres://localhost/story",
		"default_branch": "draft",
		"llm_provider": "eino-openai",
		"temperature": 0.4,
		"execution_initial_backoff": "250ms",
		"run_ttl": 3600,
		"log_pretty": true
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://localhost/story", cfg.DatabaseURL)
	assert.Equal(t, "draft", cfg.DefaultBranch)
	assert.Equal(t, llm.ProviderEinoOpenAI, cfg.LLMProvider)
	assert.InDelta(t, 0.4, cfg.Temperature, 1e-9)
	assert.Equal(t, 250*time.Millisecond, cfg.ExecutionInitialBackoff.Std())
	assert.Equal(t, time.Hour, cfg.RunTTL.Std())
	assert.True(t, cfg.LogPretty)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{ invalid json }`))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"run_ttl": "soon"}`))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "config path is empty")
}

func TestLoad_PrecedenceEnvOverFile(t *testing.T) {
	path := writeConfig(t, `{"port": 9090, "log_level": "debug", "critique_max_retries": 5}`)
	t.Setenv("STORY_PORT", "7070")
	t.Setenv("STORY_EXECUTION_MAX_BACKOFF", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.CritiqueMaxRetries)
	assert.Equal(t, 2*time.Second, cfg.ExecutionMaxBackoff.Std())
	// Untouched fields fall back to defaults.
	assert.Equal(t, DefaultAuditBranch, cfg.AuditBranch)
	assert.Equal(t, DefaultExecutionMaxAttempts, cfg.ExecutionMaxAttempts)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("STORY_PORT", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Port, cfg.Port)
	assert.Equal(t, DefaultBranch, cfg.DefaultBranch)
}

func TestLoad_IgnoresMalformedEnv(t *testing.T) {
	t.Setenv("STORY_CRITIQUE_MAX_RETRIES", "many")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCritiqueMaxRetries, cfg.CritiqueMaxRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"audit equals default branch", func(c *Config) { c.AuditBranch = c.DefaultBranch }, "audit_branch"},
		{"temperature", func(c *Config) { c.Temperature = 2.5 }, "temperature"},
		{"attempts", func(c *Config) { c.ExecutionMaxAttempts = 11 }, "execution_max_attempts"},
		{"backoff order", func(c *Config) {
			c.ExecutionInitialBackoff = Duration(time.Minute)
			c.ExecutionMaxBackoff = Duration(time.Second)
		}, "exceeds"},
		{"provider", func(c *Config) { c.LLMProvider = "claude" }, "llm_provider"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"negative retries", func(c *Config) { c.CritiqueMaxRetries = -1 }, "critique_max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.DefinitionsDir = ""
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_DefinitionsDirIsFile(t *testing.T) {
	cfg := Defaults()
	cfg.DefinitionsDir = writeConfig(t, `{}`)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestMergeWithDefaults(t *testing.T) {
	partial := Config{
		Port:        9000,
		DatabaseURL: "postgres://custom",
	}

	merged := partial.MergeWithDefaults(Defaults())

	// Custom values should be preserved
	assert.Equal(t, 9000, merged.Port)
	assert.Equal(t, "postgres://custom", merged.DatabaseURL)

	// Default values should fill in empty fields
	assert.Equal(t, DefaultBranch, merged.DefaultBranch)
	assert.Equal(t, llm.ProviderGemini, merged.LLMProvider)
	assert.Equal(t, DefaultRunTTL, merged.RunTTL.Std())
}

func TestMergeWithDefaults_EmptyDefaults(t *testing.T) {
	cfg := Config{LogLevel: "warn"}

	merged := cfg.MergeWithDefaults(Config{})

	assert.Equal(t, "warn", merged.LogLevel)
	assert.Empty(t, merged.DefaultBranch)
}

func TestConfig_LLM(t *testing.T) {
	cfg := Defaults()
	cfg.Model = "gemini-2.5-pro"
	cfg.Temperature = 0.9

	lc := cfg.LLM()
	assert.Equal(t, llm.ProviderGemini, lc.Provider)
	assert.Equal(t, "gemini-2.5-pro", lc.Model)
	assert.InDelta(t, 0.9, lc.Temperature, 1e-9)
}
