package reasoning_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/reasoning"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Here you go: {\"a\":{\"b\":2}} hope it helps", `{"a":{"b":2}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := reasoning.ExtractJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeReply_Malformed(t *testing.T) {
	t.Parallel()
	var out map[string]any
	err := reasoning.DecodeReply("I cannot answer that", &out)
	assert.ErrorIs(t, err, reasoning.ErrMalformedOutput)

	err = reasoning.DecodeReply(`{"a": }`, &out)
	assert.ErrorIs(t, err, reasoning.ErrMalformedOutput)
}

func TestNew_NoneIsDisabled(t *testing.T) {
	t.Parallel()
	c, err := reasoning.New(context.Background(), reasoning.DefaultConfig(), logging.NewNop())
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, reasoning.ErrNoReasoner)
	assert.ErrorIs(t, c.GenerateJSON(context.Background(), reasoning.Prompt{}, &struct{}{}), reasoning.ErrNoReasoner)
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := reasoning.New(context.Background(), reasoning.Config{Provider: "markov"}, logging.NewNop())
	assert.Error(t, err)
}

func TestNew_OpenAIRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := reasoning.New(context.Background(), reasoning.Config{Provider: "openai"}, logging.NewNop())
	assert.Error(t, err)
}

func TestOpenAI_GenerateJSON(t *testing.T) {
	t.Parallel()
	var roles []string
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		model = req.Model
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		reply := "```json\n{\"root_cause\":\"promo overlay\"}\n```"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": reply},
			}},
		})
	}))
	defer srv.Close()

	c, err := reasoning.NewOpenAI(reasoning.Config{APIKey: "test", BaseURL: srv.URL, Model: "gpt-test"})
	require.NoError(t, err)

	var out struct {
		RootCause string `json:"root_cause"`
	}
	err = c.GenerateJSON(context.Background(), reasoning.Prompt{System: "answer in JSON", User: "why?"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "promo overlay", out.RootCause)
	assert.Equal(t, []string{"system", "user"}, roles)
	assert.Equal(t, "gpt-test", model)
}

type slowClient struct{}

func (slowClient) GenerateJSON(ctx context.Context, _ reasoning.Prompt, _ any) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowClient) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func TestLimited_AppliesTimeout(t *testing.T) {
	t.Parallel()
	l := reasoning.NewLimited(slowClient{}, reasoning.Config{Timeout: 20 * time.Millisecond})
	err := l.GenerateJSON(context.Background(), reasoning.Prompt{}, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	vec, err := l.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestLimited_RateLimitHonoursCancel(t *testing.T) {
	t.Parallel()
	l := reasoning.NewLimited(slowClient{}, reasoning.Config{RequestsPerMinute: 1})
	_, err := l.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Embed(ctx, "second")
	assert.Error(t, err)
}
