// Package llm defines the generation and rank model interfaces the memory
// workers call, plus the concrete adapters.
package llm

import (
	"context"
	"fmt"

	"github.com/rcliao/memoryscope/internal/embedding"
)

// Role of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single prompt turn.
type Message struct {
	Role    Role
	Content string
}

// System and User are shorthands for prompt construction.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Options are per-call sampling parameters.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	TopP        float64
}

// Option overrides a sampling parameter.
type Option func(*Options)

func WithModel(m string) Option { return func(o *Options) { o.Model = m } }

func WithMaxTokens(n int64) Option { return func(o *Options) { o.MaxTokens = n } }

func WithTemperature(t float64) Option { return func(o *Options) { o.Temperature = t } }

func WithTopP(p float64) Option { return func(o *Options) { o.TopP = p } }

// Generator produces text from a prompt, buffered or streamed.
type Generator interface {
	Generate(ctx context.Context, msgs []Message, opts ...Option) (string, error)
	// Stream calls onDelta for every text fragment and returns the full text.
	Stream(ctx context.Context, msgs []Message, onDelta func(string), opts ...Option) (string, error)
}

// Ranker scores documents against a query. Scores are keyed by document index.
type Ranker interface {
	Rank(ctx context.Context, query string, docs []string) (map[int]float64, error)
}

// GenerationConfig selects the generation backend.
type GenerationConfig struct {
	Provider    string  `mapstructure:"provider" yaml:"provider"` // anthropic
	Model       string  `mapstructure:"model" yaml:"model"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens   int64   `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
}

// RankConfig selects the rank backend.
type RankConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // embedding, http
	URL      string `mapstructure:"url" yaml:"url"`
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
}

// NewGenerator builds the configured generation backend.
func NewGenerator(cfg GenerationConfig) (Generator, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return NewAnthropicGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

// NewRanker builds the configured rank backend. The embedding ranker needs e.
func NewRanker(cfg RankConfig, e embedding.Embedder) (Ranker, error) {
	switch cfg.Provider {
	case "", "embedding":
		if e == nil {
			return nil, fmt.Errorf("embedding ranker: no embedder configured")
		}
		return NewEmbeddingRanker(e), nil
	case "http":
		return NewHTTPRanker(cfg.URL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown rank provider %q", cfg.Provider)
	}
}
