package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedEmbedder memoises embeddings by text. Update retries and repeated
// hybrid searches embed the same text many times; the cache keeps those
// calls off the provider.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.Cache
}

// NewCachedEmbedder wraps inner with a TTL cache.
func NewCachedEmbedder(inner Embedder, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Embed returns the cached vector for text or asks the inner embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, cache.DefaultExpiration)
	return vec, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.GetModel() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// GetModel returns the inner model name.
func (c *CachedEmbedder) GetModel() string {
	return c.inner.GetModel()
}

// Dimensions returns the inner vector size.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.ItemCount()
}

var _ Embedder = (*CachedEmbedder)(nil)
