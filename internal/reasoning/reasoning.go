// Package reasoning wraps the LLM backends behind a narrow contract:
// structured JSON generation and text embeddings.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/raysh454/lucid/internal/logging"
)

var (
	// ErrNoReasoner is returned by the disabled client and by New when no
	// provider is configured. Callers degrade to their documented defaults.
	ErrNoReasoner = errors.New("no reasoning backend configured")
	// ErrMalformedOutput means the backend answered but not with usable JSON.
	ErrMalformedOutput = errors.New("malformed reasoning output")
)

// Prompt is one structured request.
type Prompt struct {
	System string
	User   string
	// Image is an optional JPEG attached to the user turn.
	Image []byte
}

// Client is the reasoning capability used by diagnosis, scoring and memory.
type Client interface {
	// GenerateJSON asks for a JSON object and decodes it into out.
	GenerateJSON(ctx context.Context, p Prompt, out any) error
	// Embed returns a fixed-dimension vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	// Provider is one of "openai", "gemini" or "none".
	Provider       string        `koanf:"provider"`
	Model          string        `koanf:"model"`
	EmbeddingModel string        `koanf:"embedding_model"`
	APIKey         string        `koanf:"api_key"`
	BaseURL        string        `koanf:"base_url"`
	Temperature    float64       `koanf:"temperature"`
	Timeout        time.Duration `koanf:"timeout"`
	// RequestsPerMinute throttles all calls made through one client.
	// Zero disables throttling.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

func DefaultConfig() Config {
	return Config{
		Provider:          "none",
		Temperature:       0.2,
		Timeout:           45 * time.Second,
		RequestsPerMinute: 60,
	}
}

// New builds the configured backend wrapped with throttling and timeouts.
// Provider "none" (or empty) yields a Disabled client and ErrNoReasoner is
// only returned from its calls, so callers can always hold a Client.
func New(ctx context.Context, cfg Config, logger logging.Logger) (Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	var (
		backend Client
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		logger.Info("reasoning disabled")
		return Disabled{}, nil
	case "openai":
		backend, err = NewOpenAI(cfg)
	case "gemini":
		backend, err = NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("reasoning backend ready",
		logging.Field{Key: "provider", Value: cfg.Provider},
		logging.Field{Key: "model", Value: cfg.Model})
	return NewLimited(backend, cfg), nil
}

// Disabled is a Client that always fails with ErrNoReasoner.
type Disabled struct{}

func (Disabled) GenerateJSON(context.Context, Prompt, any) error { return ErrNoReasoner }
func (Disabled) Embed(context.Context, string) ([]float32, error) { return nil, ErrNoReasoner }

// Limited throttles and time-bounds calls to an underlying client.
type Limited struct {
	next    Client
	limiter *rate.Limiter
	timeout time.Duration
}

func NewLimited(next Client, cfg Config) *Limited {
	l := &Limited{next: next, timeout: cfg.Timeout}
	if cfg.RequestsPerMinute > 0 {
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return l
}

func (l *Limited) bound(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if l.timeout > 0 {
		c, cancel := context.WithTimeout(ctx, l.timeout)
		return c, cancel, nil
	}
	return ctx, func() {}, nil
}

func (l *Limited) GenerateJSON(ctx context.Context, p Prompt, out any) error {
	c, cancel, err := l.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return l.next.GenerateJSON(c, p, out)
}

func (l *Limited) Embed(ctx context.Context, text string) ([]float32, error) {
	c, cancel, err := l.bound(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return l.next.Embed(c, text)
}
