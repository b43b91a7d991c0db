package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/helixmcp/internal/breaker"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

// OllamaClient embeds text through Ollama's /api/embed endpoint.
type OllamaClient struct {
	endpoint   string
	http       *http.Client
	cb         *breaker.Breaker
	model      string
	dimensions int
}

// OllamaConfig configures an OllamaClient. Zero values select
// http://localhost:11434, nomic-embed-text and a 30s timeout.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Breaker    *breaker.Breaker
}

// NewOllamaClient creates an OllamaClient.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	base := strings.TrimRight(config.BaseURL, "/")
	if base == "" {
		base = defaultOllamaURL
	}
	model := config.Model
	if model == "" {
		model = defaultOllamaModel
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cb := config.Breaker
	if cb == nil {
		cb = breaker.New(breaker.Config{Name: "ollama"})
	}

	return &OllamaClient{
		endpoint:   base + "/api/embed",
		http:       &http.Client{Timeout: timeout},
		cb:         cb,
		model:      model,
		dimensions: config.Dimensions,
	}
}

// Embed returns the embedding of text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return guard(ctx, c.cb, "ollama", func() ([]float32, error) {
		body, err := postJSON(ctx, c.http, "ollama", c.endpoint, map[string]string{
			"model": c.model,
			"input": text,
		})
		if err != nil {
			return nil, err
		}

		// One input yields one row of embeddings.
		var out struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decoding ollama response: %w", err)
		}
		if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("ollama returned no embedding for model %s", c.model)
		}
		return out.Embeddings[0], nil
	})
}

func (c *OllamaClient) GetModel() string { return c.model }

func (c *OllamaClient) Dimensions() int { return c.dimensions }

var _ Embedder = (*OllamaClient)(nil)
