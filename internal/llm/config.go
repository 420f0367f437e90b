// Package llm provides the generation collaborator used by EXECUTION steps and its
// provider adapters.
package llm

import (
	"fmt"
	"os"
)

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
	// ProviderEinoOpenAI is any OpenAI-compatible endpoint through an eino chat model
	ProviderEinoOpenAI Provider = "eino-openai"
	// ProviderNone disables generation; EXECUTION steps fail with a validation error
	ProviderNone Provider = "none"
)

// Default models per provider.
const (
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultOpenAIModel = "gpt-4o-mini"
)

// Config holds the generation provider configuration
type Config struct {
	Provider    Provider
	Model       string
	Temperature float64
	APIKey      string
	// BaseURL overrides the OpenAI-compatible endpoint.
	BaseURL string
}

// DefaultConfig returns the default Gemini configuration
func DefaultConfig() *Config {
	return &Config{
		Provider:    ProviderGemini,
		Model:       DefaultGeminiModel,
		Temperature: 0.7,
	}
}

// ResolveAPIKey fills APIKey from the provider's environment variable when unset.
func (c *Config) ResolveAPIKey() {
	if c.APIKey != "" {
		return
	}
	switch c.Provider {
	case ProviderGemini:
		c.APIKey = os.Getenv("GEMINI_API_KEY")
	case ProviderEinoOpenAI:
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate checks the provider and its required settings.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderNone:
		return nil
	case ProviderGemini, ProviderEinoOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("API key is required for provider %s", c.Provider)
		}
		if c.Temperature < 0 || c.Temperature > 2 {
			return fmt.Errorf("temperature must be between 0 and 2, got %v", c.Temperature)
		}
		return nil
	default:
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
}

// ModelName returns the configured model or the provider default.
func (c *Config) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	if c.Provider == ProviderEinoOpenAI {
		return DefaultOpenAIModel
	}
	return DefaultGeminiModel
}
