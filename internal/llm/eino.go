package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoGenerator adapts any eino chat model to Generator.
type EinoGenerator struct {
	model       model.BaseChatModel
	modelName   string
	temperature float64
}

// NewEinoGenerator wraps chat. modelName and temperature are the per-call defaults.
func NewEinoGenerator(chat model.BaseChatModel, modelName string, temperature float64) *EinoGenerator {
	return &EinoGenerator{model: chat, modelName: modelName, temperature: temperature}
}

// NewOpenAIGenerator creates an EinoGenerator over an OpenAI-compatible endpoint.
func NewOpenAIGenerator(ctx context.Context, config *Config) (*EinoGenerator, error) {
	temperature := float32(config.Temperature)
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      config.APIKey,
		BaseURL:     config.BaseURL,
		Model:       config.ModelName(),
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return NewEinoGenerator(chat, config.ModelName(), config.Temperature), nil
}

// Generate implements Generator.
func (g *EinoGenerator) Generate(ctx context.Context, prompt string, cfg ModelConfig) (string, error) {
	temperature := g.temperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	opts := []model.Option{model.WithTemperature(float32(temperature))}
	if cfg.Model != "" {
		opts = append(opts, model.WithModel(cfg.Model))
	} else if g.modelName != "" {
		opts = append(opts, model.WithModel(g.modelName))
	}

	msg, err := g.model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)}, opts...)
	if err != nil {
		return "", Classify("chat model generate", err)
	}
	if msg == nil || msg.Content == "" {
		return "", fmt.Errorf("chat model returned no content")
	}
	return msg.Content, nil
}
