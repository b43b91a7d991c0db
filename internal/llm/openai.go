package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/scrypster/helixmcp/internal/breaker"
)

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API or
// any server speaking the same protocol (Gemini's OpenAI-compatible endpoint).
type OpenAIEmbedder struct {
	client         openai.Client
	circuitBreaker *breaker.Breaker
	provider       string
	model          string
	dimensions     int
	timeout        time.Duration
}

// OpenAIConfig holds OpenAI-compatible embedder configuration.
type OpenAIConfig struct {
	// Provider labels errors and metrics: "openai" or "gemini" (default: openai)
	Provider string

	APIKey  string
	BaseURL string // optional, also used to point tests at a mock server

	// Model is the embedding model (default: text-embedding-3-small)
	Model string

	// Dimensions requests a reduced vector size from models that support it.
	Dimensions int

	// Timeout is the per-request timeout (default: 30s)
	Timeout time.Duration

	Breaker *breaker.Breaker
}

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible API.
func NewOpenAIEmbedder(config OpenAIConfig) *OpenAIEmbedder {
	if config.Provider == "" {
		config.Provider = "openai"
	}
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Breaker == nil {
		config.Breaker = breaker.New(breaker.Config{Name: config.Provider})
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(1),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIEmbedder{
		client:         openai.NewClient(opts...),
		circuitBreaker: config.Breaker,
		provider:       config.Provider,
		model:          config.Model,
		dimensions:     config.Dimensions,
		timeout:        config.Timeout,
	}
}

// Embed returns the embedding for text.
func (c *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return guard(ctx, c.circuitBreaker, c.provider, func() ([]float32, error) {
		return c.embed(ctx, text)
	})
}

func (c *OpenAIEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.model),
	}
	// Only the v3 family accepts a dimensions override.
	if c.dimensions > 0 && strings.HasPrefix(c.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(c.dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%s returned empty embedding vector", c.provider)
	}

	return toFloat32(resp.Data[0].Embedding), nil
}

// GetModel returns the configured model name.
func (c *OpenAIEmbedder) GetModel() string {
	return c.model
}

// Dimensions returns the requested vector size, 0 when unspecified.
func (c *OpenAIEmbedder) Dimensions() int {
	return c.dimensions
}

var _ Embedder = (*OpenAIEmbedder)(nil)
