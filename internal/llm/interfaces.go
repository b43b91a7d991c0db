// Package llm contains the embedding providers used when vectors are
// generated by this process (embedding mode "mcp") rather than by the
// backend's Embed directive.
package llm

import (
	"context"
	"errors"

	"github.com/scrypster/helixmcp/internal/breaker"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Embedder generates a vector embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
	Dimensions() int
}

// guard runs fn through cb and converts failures into coded errors.
func guard(ctx context.Context, cb *breaker.Breaker, provider string, fn func() ([]float32, error)) ([]float32, error) {
	result, err := cb.Execute(ctx, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		switch {
		case errors.Is(err, breaker.ErrOpen):
			return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingUnavailable,
				provider+" embedding circuit breaker open", apperrors.Field("provider", provider))
		case errors.Is(err, breaker.ErrCanceled):
			return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingUnavailable,
				provider+" embedding canceled", apperrors.Field("provider", provider))
		}
		return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingFailure,
			provider+" embedding failed", apperrors.Field("provider", provider))
	}
	return result.([]float32), nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
