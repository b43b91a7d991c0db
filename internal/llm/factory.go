package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/helixmcp/internal/breaker"
	"github.com/scrypster/helixmcp/internal/config"
)

// NewEmbedder creates the embedder selected by cfg. It returns (nil, nil) in
// "helixdb" mode, where the backend generates vectors itself.
func NewEmbedder(cfg config.EmbeddingConfig, onStateChange func(name, from, to string)) (Embedder, error) {
	if cfg.Mode != "mcp" {
		return nil, nil
	}

	cb := breaker.New(breaker.Config{Name: cfg.Provider, OnStateChange: onStateChange})

	var e Embedder
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an api key")
		}
		e = NewOpenAIEmbedder(OpenAIConfig{
			Provider: "openai", APIKey: cfg.APIKey, BaseURL: cfg.OpenAIURL,
			Model: cfg.Model, Dimensions: cfg.Dimensions, Timeout: cfg.Timeout, Breaker: cb,
		})
	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini embedding provider requires an api key")
		}
		model := cfg.Model
		if model == "" || strings.HasPrefix(model, "text-embedding-3") {
			model = "text-embedding-004"
		}
		e = NewOpenAIEmbedder(OpenAIConfig{
			Provider: "gemini", APIKey: cfg.APIKey, BaseURL: cfg.GeminiURL,
			Model: model, Dimensions: cfg.Dimensions, Timeout: cfg.Timeout, Breaker: cb,
		})
	case "ollama":
		model := cfg.Model
		if model == "" || strings.HasPrefix(model, "text-embedding-3") {
			model = "nomic-embed-text"
		}
		e = NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL, Model: model, Dimensions: cfg.Dimensions, Timeout: cfg.Timeout, Breaker: cb,
		})
	case "local":
		if cfg.LocalURL == "" {
			return nil, fmt.Errorf("local embedding provider requires a url")
		}
		e = NewLocalClient(LocalConfig{
			URL: cfg.LocalURL, Model: cfg.Model, Dimensions: cfg.Dimensions, Timeout: cfg.Timeout, Breaker: cb,
		})
	case "tcp":
		if cfg.TCPAddress == "" {
			return nil, fmt.Errorf("tcp embedding provider requires an address")
		}
		model := cfg.Model
		if strings.HasPrefix(model, "text-embedding-3") {
			model = ""
		}
		// The default dimension belongs to the OpenAI models; the embedding
		// server ships all-MiniLM-L6-v2.
		dims := cfg.Dimensions
		if dims == 1536 {
			dims = 384
		}
		e = NewTCPClient(TCPConfig{
			Address: cfg.TCPAddress, Model: model, Dimensions: dims, Timeout: cfg.TCPTimeout, Breaker: cb,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}

	if cfg.CacheTTL > 0 {
		return NewCachedEmbedder(e, cfg.CacheTTL), nil
	}
	return e, nil
}
