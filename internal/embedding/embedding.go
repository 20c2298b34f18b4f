// Package embedding turns text into vectors for memory retrieval.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// Config selects and tunes an embedding provider.
type Config struct {
	Provider  string `mapstructure:"provider" yaml:"provider"` // hash, ollama, openai
	Model     string `mapstructure:"model" yaml:"model"`
	URL       string `mapstructure:"url" yaml:"url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	Dims      int    `mapstructure:"dims" yaml:"dims"`
	CacheSize int64  `mapstructure:"cache_size" yaml:"cache_size"` // cached vectors; 0 disables
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NewFromConfig builds the configured provider, wrapped in a cache when
// CacheSize is positive.
func NewFromConfig(cfg Config) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "", "hash":
		e = NewHashEmbedder(cfg.Dims)
	case "ollama":
		e = NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dims)
	case "openai":
		e = NewOpenAIEmbedder(cfg.URL, cfg.APIKey, cfg.Model, cfg.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize <= 0 {
		return e, nil
	}
	return NewCached(e, cfg.CacheSize)
}
