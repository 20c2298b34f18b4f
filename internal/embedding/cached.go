package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes an Embedder by content hash. Parallel retrieval branches
// embed the same query, so only the first pays for the call.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCached caches up to maxItems vectors.
func NewCached(inner Embedder, maxItems int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// ContentHash is the cache key for text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *Cached) Embed(ctx context.Context, text string) (Vector, error) {
	key := ContentHash(text)
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.(Vector)), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, slices.Clone(vec), 1)
	return vec, nil
}

func (c *Cached) Dims() int { return c.inner.Dims() }

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache goroutines.
func (c *Cached) Close() { c.cache.Close() }
