package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rcliao/memoryscope/internal/embedding"
)

// EmbeddingRanker scores by cosine similarity between query and document
// vectors. It stands in for a cross-encoder when none is deployed.
type EmbeddingRanker struct {
	embedder embedding.Embedder
}

func NewEmbeddingRanker(e embedding.Embedder) *EmbeddingRanker {
	return &EmbeddingRanker{embedder: e}
}

func (r *EmbeddingRanker) Rank(ctx context.Context, query string, docs []string) (map[int]float64, error) {
	q, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scores := make(map[int]float64, len(docs))
	for i, d := range docs {
		v, err := r.embedder.Embed(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("embed doc %d: %w", i, err)
		}
		scores[i] = embedding.CosineSimilarity(q, v)
	}
	return scores, nil
}

// HTTPRanker calls a Jina/Cohere-style /rerank endpoint.
type HTTPRanker struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPRanker(url, apiKey, model string) *HTTPRanker {
	return &HTTPRanker{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *HTTPRanker) Rank(ctx context.Context, query string, docs []string) (map[int]float64, error) {
	if len(docs) == 0 {
		return map[int]float64{}, nil
	}
	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: docs, TopN: len(docs)})
	if err != nil {
		return nil, fmt.Errorf("encode rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank returned %d: %s", resp.StatusCode, string(b))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	scores := make(map[int]float64, len(out.Results))
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			continue
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}
