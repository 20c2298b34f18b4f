package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/pool"
)

type reflectionSubjectOptions struct {
	Input       string   `mapstructure:"input"`
	Covered     []string `mapstructure:"covered"`
	Output      string   `mapstructure:"output"`
	Threshold   int      `mapstructure:"threshold"`
	MaxSubjects int      `mapstructure:"max_subjects"`
}

func (o *reflectionSubjectOptions) Validate() error {
	if o.Input == "" || o.Output == "" {
		return errors.New("input and output are required")
	}
	if o.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %d", o.Threshold)
	}
	if o.MaxSubjects <= 0 {
		return fmt.Errorf("max_subjects must be positive, got %d", o.MaxSubjects)
	}
	return nil
}

// reflectionSubject proposes new insight subjects once enough observations
// have piled up unreflected. Each subject becomes a placeholder insight node
// that update_insight fills in.
type reflectionSubject struct {
	base
	opts reflectionSubjectOptions
}

func newReflectionSubject(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := reflectionSubjectOptions{
		Input:       HandlerNotReflected,
		Covered:     []string{HandlerInsight, HandlerProfile},
		Output:      HandlerNewInsight,
		Threshold:   10,
		MaxSubjects: 5,
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &reflectionSubject{base{name, d}, o}, nil
}

func (w *reflectionSubject) Keys() []string { return nil }

func (w *reflectionSubject) Run(ctx context.Context, s *pipeline.Scope) error {
	h := s.Memory()
	var obs []*model.MemoryNode
	for _, n := range h.Lookup(true, w.opts.Input) {
		if isObservation(n) && !n.ObsReflected() {
			obs = append(obs, n)
		}
	}
	if len(obs) <= w.opts.Threshold {
		s.Log().Debug().Int("unreflected", len(obs)).Int("threshold", w.opts.Threshold).Msg("not enough to reflect on")
		return nil
	}

	covered := coveredSubjects(h.Lookup(true, w.opts.Covered...))
	texts := make([]string, len(obs))
	for i, n := range obs {
		texts[i] = n.Content()
	}
	data := w.data(items(texts))
	data.Max = w.opts.MaxSubjects
	data.Covered = w.none()
	if len(covered) > 0 {
		names := make([]string, 0, len(covered))
		for _, n := range covered {
			names = append(names, n)
		}
		sort.Strings(names)
		data.Covered = strings.Join(names, ", ")
	}

	out, err := w.generate(ctx, "get_reflection_subject", data)
	if err != nil {
		return w.fail(s, "llm", err)
	}

	var nodes []*model.MemoryNode
	for _, subject := range bulletLines(out) {
		if len(nodes) == w.opts.MaxSubjects {
			break
		}
		key := strings.ToLower(subject)
		if isNone(subject, w.none()) || covered[key] != "" {
			continue
		}
		covered[key] = subject
		nodes = append(nodes, model.NewMemoryNode(model.NodeParams{
			UserName:   w.deps.Env.UserName,
			TargetName: w.deps.Env.TargetName,
			Content:    subject,
			Type:       model.TypeInsight,
			Meta:       map[string]string{model.MetaKey: subject},
			Timestamp:  w.deps.now(),
		}))
	}

	for _, n := range obs {
		if err := n.MarkReflected(); err != nil {
			s.Log().Debug().Err(err).Str("memory_id", n.ID()).Msg("skip reflected mark")
		}
	}
	s.Log().Info().Int("subjects", len(nodes)).Int("observations", len(obs)).Msg("reflection subjects proposed")
	h.Append(w.opts.Output, nodes...)
	return nil
}

// coveredSubjects maps lower-cased insight and profile keys to their
// original spelling.
func coveredSubjects(nodes []*model.MemoryNode) map[string]string {
	out := map[string]string{}
	for _, n := range nodes {
		if k := n.Meta(model.MetaKey); k != "" {
			out[strings.ToLower(k)] = k
		}
	}
	return out
}

func isObservation(n *model.MemoryNode) bool {
	return n.Type() == model.TypeObservation || n.Type() == model.TypeObsCustomized
}

type updateInsightOptions struct {
	Inputs          []string      `mapstructure:"inputs"`
	ObsKey          string        `mapstructure:"obs_key"`
	Threshold       float64       `mapstructure:"threshold"`
	MaxObservations int           `mapstructure:"max_observations"`
	Delay           time.Duration `mapstructure:"delay"`
}

func (o *updateInsightOptions) Validate() error {
	if len(o.Inputs) == 0 || o.ObsKey == "" {
		return errors.New("inputs and obs_key are required")
	}
	if o.MaxObservations <= 0 {
		return fmt.Errorf("max_observations must be positive, got %d", o.MaxObservations)
	}
	if o.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", o.Delay)
	}
	return nil
}

// updateInsight rewrites each insight from the observations most relevant
// to its subject. One pool task runs per insight; results are written back
// after all tasks join. A new insight nothing could fill is expired.
type updateInsight struct {
	base
	opts updateInsightOptions
}

func newUpdateInsight(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := updateInsightOptions{
		Inputs:          []string{HandlerInsight, HandlerNewInsight},
		ObsKey:          HandlerNotUpdated,
		Threshold:       0.1,
		MaxObservations: 5,
		Delay:           time.Second,
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &updateInsight{base{name, d}, o}, nil
}

func (w *updateInsight) Keys() []string { return nil }

type insightUpdate struct {
	content string
	used    []*model.MemoryNode
}

func (w *updateInsight) Run(ctx context.Context, s *pipeline.Scope) error {
	h := s.Memory()
	var insights []*model.MemoryNode
	for _, n := range h.Lookup(true, w.opts.Inputs...) {
		if n.Type() == model.TypeInsight && n.Meta(model.MetaKey) != "" {
			insights = append(insights, n)
		}
	}
	if len(insights) == 0 {
		return nil
	}
	var obs []*model.MemoryNode
	for _, n := range h.Lookup(true, w.opts.ObsKey) {
		if isObservation(n) {
			obs = append(obs, n)
		}
	}

	results, errs := pool.Map(ctx, w.deps.Pool, insights, func(ctx context.Context, n *model.MemoryNode) (insightUpdate, error) {
		subject := n.Meta(model.MetaKey)
		relevant := w.rankNodes(ctx, s, subject, obs, w.opts.Threshold, w.opts.MaxObservations)
		if len(relevant) == 0 {
			return insightUpdate{}, nil
		}
		data := w.data(items(contents(relevant)))
		data.Subject = subject
		data.Current = w.none()
		if n.Status() != model.StatusNew {
			data.Current = n.Content()
		}
		out, err := w.generate(ctx, "update_insight", data)
		if err != nil {
			return insightUpdate{}, err
		}
		return insightUpdate{content: firstAnswer(out, w.none()), used: relevant}, nil
	}, pool.WithDelay(w.opts.Delay))

	var updated, dropped int
	for i, n := range insights {
		if errs[i] != nil {
			if errors.Is(errs[i], pipeline.ErrConfig) {
				return errs[i]
			}
			w.backendFailed(s, "llm", errs[i])
		}
		r := results[i]
		if r.content == "" {
			if n.Status() == model.StatusNew {
				if err := n.Expire(); err != nil {
					s.Log().Debug().Err(err).Str("memory_id", n.ID()).Msg("skip empty insight")
					continue
				}
				dropped++
			}
			continue
		}
		if err := n.SetContent(r.content); err != nil {
			s.Log().Debug().Err(err).Str("memory_id", n.ID()).Msg("skip insight update")
			continue
		}
		updated++
		markUpdated(s, r.used)
	}
	s.Log().Info().Int("updated", updated).Int("dropped", dropped).Msg("insights updated")
	return nil
}

// rankNodes returns up to topK candidates scoring at least threshold
// against query, best first. Without a working ranker the newest
// candidates are used.
func (b *base) rankNodes(ctx context.Context, s *pipeline.Scope, query string, cands []*model.MemoryNode, threshold float64, topK int) []*model.MemoryNode {
	if len(cands) == 0 {
		return nil
	}
	newest := func() []*model.MemoryNode {
		out := append([]*model.MemoryNode(nil), cands...)
		sortByScore(out, func(*model.MemoryNode) float64 { return 0 })
		if len(out) > topK {
			out = out[:topK]
		}
		return out
	}
	if b.deps.Ranker == nil {
		return newest()
	}
	scores, err := b.deps.Ranker.Rank(ctx, query, contents(cands))
	if err != nil {
		b.backendFailed(s, "rank", err)
		return newest()
	}

	type scored struct {
		n     *model.MemoryNode
		score float64
	}
	var kept []scored
	for i, n := range cands {
		if v, ok := scores[i]; ok && v >= threshold {
			kept = append(kept, scored{n, v})
		}
	}
	byScore := map[*model.MemoryNode]float64{}
	out := make([]*model.MemoryNode, len(kept))
	for i, k := range kept {
		out[i] = k.n
		byScore[k.n] = k.score
	}
	sortByScore(out, func(n *model.MemoryNode) float64 { return byScore[n] })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func contents(nodes []*model.MemoryNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Content()
	}
	return out
}

// firstAnswer is the first output line with any bullet removed, or "" when
// the model answered with the none sentinel.
func firstAnswer(out, none string) string {
	for _, line := range outputLines(out) {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*"))
		if line == "" {
			continue
		}
		if isNone(line, none) {
			return ""
		}
		return line
	}
	return ""
}

func markUpdated(s *pipeline.Scope, nodes []*model.MemoryNode) {
	for _, n := range nodes {
		if err := n.MarkUpdated(); err != nil {
			s.Log().Debug().Err(err).Str("memory_id", n.ID()).Msg("skip updated mark")
		}
	}
}
