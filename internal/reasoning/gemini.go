package reasoning

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini uses the Google GenAI SDK.
type Gemini struct {
	client      *genai.Client
	model       string
	embedModel  string
	temperature float32
}

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	embedModel := cfg.EmbeddingModel
	if embedModel == "" {
		embedModel = "gemini-embedding-001"
	}
	return &Gemini{
		client:      client,
		model:       model,
		embedModel:  embedModel,
		temperature: float32(cfg.Temperature),
	}, nil
}

func (g *Gemini) GenerateJSON(ctx context.Context, p Prompt, out any) error {
	parts := []*genai.Part{genai.NewPartFromText(p.User)}
	if len(p.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(p.Image, "image/jpeg"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	temp := g.temperature
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      &temp,
	}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return fmt.Errorf("gemini generate: %w", err)
	}
	return DecodeReply(resp.Text(), out)
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := g.client.Models.EmbedContent(ctx,
		g.embedModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
