package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
)

type semanticRankOptions struct {
	Inputs []string `mapstructure:"inputs"`
	Output string   `mapstructure:"output"`
}

func (o *semanticRankOptions) Validate() error {
	if len(o.Inputs) == 0 || o.Output == "" {
		return errors.New("inputs and output are required")
	}
	return nil
}

// semanticRank scores candidates against the query with the ranker. When
// the ranker is missing or fails, the similarity score stands in.
type semanticRank struct {
	base
	opts semanticRankOptions
}

func newSemanticRank(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := semanticRankOptions{Inputs: []string{HandlerRetrieved, HandlerConversation}, Output: HandlerRanked}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &semanticRank{base{name, d}, o}, nil
}

func (w *semanticRank) Keys() []string { return []string{QueryKey.Name()} }

func (w *semanticRank) Run(ctx context.Context, s *pipeline.Scope) error {
	q, err := pipeline.Require(s, QueryKey)
	if err != nil {
		return err
	}
	h := s.Memory()
	nodes := h.Get(w.opts.Inputs...)
	if len(nodes) == 0 {
		h.Set(w.opts.Output)
		return nil
	}

	var scores map[int]float64
	if w.deps.Ranker != nil {
		docs := make([]string, len(nodes))
		for i, n := range nodes {
			docs[i] = n.Content()
		}
		scores, err = w.deps.Ranker.Rank(ctx, q, docs)
		if err != nil {
			w.backendFailed(s, "rank", err)
			scores = nil
		}
	}
	for i, n := range nodes {
		if v, ok := scores[i]; ok {
			n.SetScoreRank(v)
		} else {
			n.SetScoreRank(n.ScoreSimilar())
		}
	}

	sortByScore(nodes, (*model.MemoryNode).ScoreRank)
	h.Set(w.opts.Output, nodes...)
	return nil
}

type fuseRerankOptions struct {
	Input       string             `mapstructure:"input"`
	Output      string             `mapstructure:"output"`
	TopK        int                `mapstructure:"top_k"`
	Threshold   float64            `mapstructure:"threshold"`
	TypeWeights map[string]float64 `mapstructure:"type_weights"`
	TimeRatio   float64            `mapstructure:"time_ratio"`
}

func (o *fuseRerankOptions) Validate() error {
	if o.Input == "" || o.Output == "" {
		return errors.New("input and output are required")
	}
	if o.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", o.TopK)
	}
	if o.TimeRatio < 1 {
		return fmt.Errorf("time_ratio must be at least 1, got %v", o.TimeRatio)
	}
	for t := range o.TypeWeights {
		if _, err := model.ParseType(t); err != nil {
			return err
		}
	}
	return nil
}

// fuseRerank weights rank scores by memory type and time match, then keeps
// the best top_k above the threshold.
type fuseRerank struct {
	base
	opts fuseRerankOptions
}

func newFuseRerank(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := fuseRerankOptions{
		Input:     HandlerRanked,
		Output:    HandlerReranked,
		TopK:      10,
		Threshold: 0.1,
		TimeRatio: 2,
		TypeWeights: map[string]float64{
			string(model.TypeConversation):  0.5,
			string(model.TypeObservation):   1,
			string(model.TypeObsCustomized): 1.2,
			string(model.TypeInsight):       2,
		},
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &fuseRerank{base{name, d}, o}, nil
}

func (w *fuseRerank) Keys() []string { return []string{TimeFilterKey.Name()} }

func (w *fuseRerank) Run(_ context.Context, s *pipeline.Scope) error {
	h := s.Memory()
	tf, _ := pipeline.Get(s, TimeFilterKey)

	var kept []*model.MemoryNode
	for _, n := range h.Get(w.opts.Input) {
		weight, ok := w.opts.TypeWeights[string(n.Type())]
		if !ok {
			weight = 1
		}
		score := n.ScoreRank() * weight
		if len(tf) > 0 && tf.Matches(n.MetaMap()) {
			score *= w.opts.TimeRatio
		}
		n.SetScoreRerank(score)
		if score >= w.opts.Threshold {
			kept = append(kept, n)
		}
	}

	sortByScore(kept, (*model.MemoryNode).ScoreRerank)
	if len(kept) > w.opts.TopK {
		kept = kept[:w.opts.TopK]
	}
	h.Set(w.opts.Output, kept...)
	return nil
}

// sortByScore orders nodes by score descending, newest first on ties.
func sortByScore(nodes []*model.MemoryNode, score func(*model.MemoryNode) float64) {
	sort.SliceStable(nodes, func(i, j int) bool {
		si, sj := score(nodes[i]), score(nodes[j])
		if si != sj {
			return si > sj
		}
		return nodes[i].Timestamp().After(nodes[j].Timestamp())
	})
}
