package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scrypster/helixmcp/internal/breaker"
)

// LocalClient talks to a self-hosted embedding endpoint that accepts
// {"text": "..."} and answers with a bare array, {"embedding": [...]} or
// {"vector": [...]}.
type LocalClient struct {
	url            string
	client         *http.Client
	circuitBreaker *breaker.Breaker
	model          string
	dimensions     int
}

// LocalConfig holds local embedding endpoint configuration.
type LocalConfig struct {
	URL        string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Breaker    *breaker.Breaker
}

// NewLocalClient creates a client for a local embedding endpoint.
func NewLocalClient(config LocalConfig) *LocalClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Model == "" {
		config.Model = "local"
	}
	if config.Breaker == nil {
		config.Breaker = breaker.New(breaker.Config{Name: "local"})
	}
	return &LocalClient{
		url:            config.URL,
		client:         &http.Client{Timeout: config.Timeout},
		circuitBreaker: config.Breaker,
		model:          config.Model,
		dimensions:     config.Dimensions,
	}
}

// Embed returns the embedding for text.
func (c *LocalClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return guard(ctx, c.circuitBreaker, "local", func() ([]float32, error) {
		return c.embed(ctx, text)
	})
}

func (c *LocalClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := postJSON(ctx, c.client, "local embedding server", c.url, map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	return parseLocalEmbedding(body)
}

// parseLocalEmbedding accepts the three response shapes local servers use.
func parseLocalEmbedding(body []byte) ([]float32, error) {
	var bare []float32
	if err := json.Unmarshal(body, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}

	var wrapped struct {
		Embedding []float32 `json:"embedding"`
		Vector    []float32 `json:"vector"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding local embedding response: %w", err)
	}
	if len(wrapped.Embedding) > 0 {
		return wrapped.Embedding, nil
	}
	if len(wrapped.Vector) > 0 {
		return wrapped.Vector, nil
	}
	return nil, fmt.Errorf("local embedding server returned no vector")
}

// GetModel returns the configured model label.
func (c *LocalClient) GetModel() string {
	return c.model
}

// Dimensions returns the configured vector size.
func (c *LocalClient) Dimensions() int {
	return c.dimensions
}

var _ Embedder = (*LocalClient)(nil)
