package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/jonathan/storyforge/internal/types"
	"google.golang.org/api/option"
)

// ModelConfig is the per-call model selection. Zero fields fall back to the provider config.
type ModelConfig struct {
	Model       string
	Temperature *float64
}

// Generator produces text for a prompt.
// Retryable failures are returned as *types.TransientExternalError.
type Generator interface {
	Generate(ctx context.Context, prompt string, cfg ModelConfig) (string, error)
}

// NewGenerator creates a generator for the configured provider
func NewGenerator(ctx context.Context, config *Config) (Generator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.ResolveAPIKey()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Provider {
	case ProviderGemini:
		return NewGeminiClient(ctx, config)
	case ProviderEinoOpenAI:
		return NewOpenAIGenerator(ctx, config)
	default:
		return Disabled{}, nil
	}
}

// Disabled is the generator used when no provider is configured.
type Disabled struct{}

// Generate always fails with a validation error.
func (Disabled) Generate(context.Context, string, ModelConfig) (string, error) {
	return "", types.NewValidationError("no generation provider is configured")
}

// GeminiClient implements Generator for Google Gemini
type GeminiClient struct {
	client *genai.Client
	config *Config
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, config *Config) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		config: config,
	}, nil
}

// Generate implements Generator.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, cfg ModelConfig) (string, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = c.config.ModelName()
	}
	temperature := c.config.Temperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(float32(temperature))

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", Classify("gemini generate", err)
	}

	return extractTextFromResponse(resp)
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// extractTextFromResponse extracts text from Gemini API response
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.Join(parts, ""), nil
}
