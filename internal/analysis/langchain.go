package analysis

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"paperflow/internal/config"
)

// LangChainGenerator ходит в OpenAI-совместимый chat API
type LangChainGenerator struct {
	model llms.Model
}

func NewLangChainGenerator(cfg config.AnalysisConfig) (*LangChainGenerator, error) {
	token := cfg.APIKey
	if token == "" {
		// локальные OpenAI-совместимые сервисы не проверяют токен
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &LangChainGenerator{model: model}, nil
}

func (g *LangChainGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, g.model, prompt, llms.WithTemperature(0.0))
}
