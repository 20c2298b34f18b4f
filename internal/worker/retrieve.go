package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/pool"
	"github.com/rcliao/memoryscope/internal/store"
	"github.com/rcliao/memoryscope/internal/temporal"
)

type noOptions struct{}

func (noOptions) Validate() error { return nil }

// setQuery checks the query and stamps the query time.
type setQuery struct{ base }

func newSetQuery(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	if err := decode(opts, &noOptions{}); err != nil {
		return nil, err
	}
	return &setQuery{base{name, d}}, nil
}

func (w *setQuery) Keys() []string {
	return []string{QueryKey.Name(), QueryTimeKey.Name(), pipeline.ResultKey.Name()}
}

func (w *setQuery) Run(_ context.Context, s *pipeline.Scope) error {
	q, err := pipeline.Require(s, QueryKey)
	if err != nil {
		return err
	}
	if strings.TrimSpace(q) == "" {
		pipeline.Set(s, pipeline.ResultKey, "")
		s.Stop("empty query")
		return nil
	}
	if t, ok := pipeline.Get(s, QueryTimeKey); !ok || t.IsZero() {
		pipeline.Set(s, QueryTimeKey, w.deps.now())
	}
	return nil
}

// extractTime turns time expressions in the query into a filter.
type extractTime struct{ base }

func newExtractTime(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	if err := decode(opts, &noOptions{}); err != nil {
		return nil, err
	}
	return &extractTime{base{name, d}}, nil
}

func (w *extractTime) Keys() []string {
	return []string{QueryKey.Name(), QueryTimeKey.Name(), TimeFilterKey.Name()}
}

func (w *extractTime) Run(_ context.Context, s *pipeline.Scope) error {
	q, err := pipeline.Require(s, QueryKey)
	if err != nil {
		return err
	}
	ref, ok := pipeline.Get(s, QueryTimeKey)
	if !ok {
		ref = w.deps.now()
	}
	if f := temporal.Extract(q, ref); len(f) > 0 {
		s.Log().Debug().Interface("filter", f).Msg("time filter extracted")
		pipeline.Set(s, TimeFilterKey, f)
	}
	return nil
}

type retrieveOptions struct {
	Types []string `mapstructure:"types"`
	TopK  int      `mapstructure:"top_k"`
	Key   string   `mapstructure:"key"`

	types []model.MemoryType
}

func (o *retrieveOptions) Validate() error {
	if o.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", o.TopK)
	}
	if o.Key == "" {
		return errors.New("key is required")
	}
	if len(o.Types) == 0 {
		return errors.New("types is required")
	}
	var err error
	o.types, err = parseTypes(o.Types)
	return err
}

// retrieveMemory embeds the query and loads the nearest stored nodes.
type retrieveMemory struct {
	base
	opts retrieveOptions
}

func newRetrieveMemory(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := retrieveOptions{TopK: 10, Key: HandlerRetrieved}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &retrieveMemory{base{name, d}, o}, nil
}

func (w *retrieveMemory) Keys() []string { return []string{QueryKey.Name()} }

func (w *retrieveMemory) Run(ctx context.Context, s *pipeline.Scope) error {
	q, err := pipeline.Require(s, QueryKey)
	if err != nil {
		return err
	}
	h := s.Memory()

	vec, err := w.deps.Embedder.Embed(ctx, q)
	if err != nil {
		return w.fail(s, "embedding", err)
	}
	recs, err := h.Store().Retrieve(ctx, store.RetrieveParams{
		Filter: w.filter(w.opts.types...),
		Vector: vec,
		TopK:   w.opts.TopK,
	})
	if err != nil {
		return w.fail(s, "store", err)
	}
	nodes, err := h.Load(recs)
	if err != nil {
		return w.fail(s, "store", err)
	}
	h.Append(w.opts.Key, nodes...)
	s.Log().Debug().Int("count", len(nodes)).Str("key", w.opts.Key).Msg("memories retrieved")
	return nil
}

type readMessageOptions struct {
	Count int    `mapstructure:"count"`
	Key   string `mapstructure:"key"`
}

func (o *readMessageOptions) Validate() error {
	if o.Count < 0 {
		return fmt.Errorf("count must not be negative, got %d", o.Count)
	}
	if o.Key == "" {
		return errors.New("key is required")
	}
	return nil
}

// readMessage turns the latest unmemorized turns into transient
// conversation nodes. They are never committed.
type readMessage struct {
	base
	opts readMessageOptions
}

func newReadMessage(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := readMessageOptions{Count: 3, Key: HandlerConversation}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &readMessage{base{name, d}, o}, nil
}

func (w *readMessage) Keys() []string { return []string{MessagesKey.Name()} }

func (w *readMessage) Run(_ context.Context, s *pipeline.Scope) error {
	msgs, _ := pipeline.Get(s, MessagesKey)
	var recent []model.Message
	for i := len(msgs) - 1; i >= 0 && len(recent) < w.opts.Count; i-- {
		if !msgs[i].Memorized {
			recent = append(recent, msgs[i])
		}
	}

	nodes := make([]*model.MemoryNode, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		nodes = append(nodes, model.NewMemoryNode(model.NodeParams{
			UserName:   w.deps.Env.UserName,
			TargetName: w.deps.Env.TargetName,
			Content:    m.RoleName + ": " + m.Content,
			Type:       model.TypeConversation,
			Meta:       map[string]string{model.MetaSourceID: m.ID},
			Timestamp:  m.Time(),
		}))
	}
	if len(nodes) > 0 {
		s.Memory().Set(w.opts.Key, nodes...)
	}
	return nil
}

type loadSpec struct {
	Key       string   `mapstructure:"key"`
	Types     []string `mapstructure:"types"`
	Reflected *bool    `mapstructure:"reflected"`
	Updated   *bool    `mapstructure:"updated"`
	Limit     int      `mapstructure:"limit"`

	types []model.MemoryType
}

type loadOptions struct {
	Loads []loadSpec `mapstructure:"loads"`
}

func (o *loadOptions) Validate() error {
	if len(o.Loads) == 0 {
		return errors.New("loads is required")
	}
	for i := range o.Loads {
		l := &o.Loads[i]
		if l.Key == "" {
			return fmt.Errorf("loads[%d]: key is required", i)
		}
		if l.Limit < 0 {
			return fmt.Errorf("loads[%d]: limit must not be negative", i)
		}
		var err error
		if l.types, err = parseTypes(l.Types); err != nil {
			return fmt.Errorf("loads[%d]: %w", i, err)
		}
	}
	return nil
}

// loadMemory reads stored nodes by filter into handler keys, newest first.
type loadMemory struct {
	base
	opts loadOptions
}

func newLoadMemory(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	var o loadOptions
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &loadMemory{base{name, d}, o}, nil
}

func (w *loadMemory) Keys() []string { return nil }

func (w *loadMemory) Run(ctx context.Context, s *pipeline.Scope) error {
	h := s.Memory()
	results, errs := pool.Map(ctx, w.deps.Pool, w.opts.Loads, func(ctx context.Context, l loadSpec) ([]model.Record, error) {
		f := w.filter(l.types...)
		f.Reflected, f.Updated = l.Reflected, l.Updated
		return h.Store().List(ctx, store.ListParams{Filter: f, Limit: l.Limit})
	})

	for i, l := range w.opts.Loads {
		if errs[i] != nil {
			w.backendFailed(s, "store", errs[i])
			continue
		}
		nodes, err := h.Load(results[i])
		if err != nil {
			w.backendFailed(s, "store", err)
			continue
		}
		h.Set(l.Key, nodes...)
		s.Log().Debug().Int("count", len(nodes)).Str("key", l.Key).Msg("memories loaded")
	}
	return nil
}

// dateOf formats the event date of a node, falling back to when it was said.
func dateOf(n *model.MemoryNode) string {
	meta := n.MetaMap()
	if y := meta[model.MetaEventYear]; y != "" {
		parts := []string{y}
		if m := meta[model.MetaEventMonth]; m != "" {
			parts = append(parts, m)
			if d := meta[model.MetaEventDay]; d != "" {
				parts = append(parts, d)
			}
		}
		return strings.Join(parts, "-")
	}
	return n.Timestamp().Format(time.DateOnly)
}
