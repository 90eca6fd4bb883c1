package reasoning

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// OpenAI talks to any OpenAI-compatible endpoint through langchaingo.
type OpenAI struct {
	llm         *openai.LLM
	embedder    embeddings.Embedder
	temperature float64
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo requires a token even for local OpenAI-compatible servers.
		token = "placeholder"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embedModel := cfg.EmbeddingModel
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
		openai.WithEmbeddingModel(embedModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAI{llm: llm, embedder: embedder, temperature: cfg.Temperature}, nil
}

func (o *OpenAI) GenerateJSON(ctx context.Context, p Prompt, out any) error {
	user := []llms.ContentPart{llms.TextPart(p.User)}
	if len(p.Image) > 0 {
		user = append(user, llms.ImageURLPart("data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(p.Image)))
	}
	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, p.System),
		{Role: schema.ChatMessageTypeHuman, Parts: user},
	}

	resp, err := o.llm.GenerateContent(ctx, msgs, llms.WithTemperature(o.temperature))
	if err != nil {
		return fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	return DecodeReply(resp.Choices[0].Content, out)
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	return vec, nil
}
