package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"paperflow/internal/config"
)

const systemInstruction = "You are a document analysis assistant. Answer concisely and follow the output format you are asked for exactly."

// VertexGenerator вызывает Gemini через Vertex AI
type VertexGenerator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewVertexGenerator(ctx context.Context, cfg config.AnalysisConfig) (*VertexGenerator, error) {
	if cfg.Project == "" || cfg.Location == "" {
		return nil, fmt.Errorf("vertex project and location are required")
	}

	client, err := genai.NewClient(ctx, cfg.Project, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	return &VertexGenerator{client: client, model: model}, nil
}

func (g *VertexGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("vertex returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

func (g *VertexGenerator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// NewGenerator выбирает провайдера по Analysis.Provider
func NewGenerator(ctx context.Context, cfg config.AnalysisConfig) (Generator, func() error, error) {
	switch cfg.Provider {
	case "openai":
		gen, err := NewLangChainGenerator(cfg)
		if err != nil {
			return nil, nil, err
		}
		return gen, func() error { return nil }, nil
	case "vertex":
		gen, err := NewVertexGenerator(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return gen, gen.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown analysis provider %q", cfg.Provider)
	}
}
