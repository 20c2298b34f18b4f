package worker

import (
	"context"
	"time"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/temporal"
)

type observationOptions struct {
	Output string `mapstructure:"output"`
}

func (o *observationOptions) Validate() error {
	if o.Output == "" {
		o.Output = HandlerNewObs
	}
	return nil
}

// getObservation turns filtered snippets into observation nodes. The timed
// variant takes only snippets that mention a point in time and stores when
// the event happened; the plain variant takes the rest.
type getObservation struct {
	base
	opts  observationOptions
	timed bool
}

func newGetObservation(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	return newObservation(name, opts, d, false)
}

func newGetObservationWithTime(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	return newObservation(name, opts, d, true)
}

func newObservation(name string, opts map[string]any, d *Deps, timed bool) (pipeline.Worker, error) {
	o := observationOptions{Output: HandlerNewObs}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &getObservation{base{name, d}, o, timed}, nil
}

func (w *getObservation) Keys() []string { return []string{SnippetsKey.Name()} }

func (w *getObservation) Run(ctx context.Context, s *pipeline.Scope) error {
	all, _ := pipeline.Get(s, SnippetsKey)
	var snips []Snippet
	for _, sn := range all {
		if temporal.Contains(sn.Text) == w.timed {
			snips = append(snips, sn)
		}
	}
	if len(snips) == 0 {
		return nil
	}

	prompt := "get_observation"
	if w.timed {
		prompt = "get_observation_with_time"
	}
	out, err := w.generate(ctx, prompt, w.data(snippetItems(snips)))
	if err != nil {
		return w.fail(s, "llm", err)
	}

	width := 3
	if w.timed {
		width = 4
	}
	var nodes []*model.MemoryNode
	for _, line := range outputLines(out) {
		if isNone(line, w.none()) {
			continue
		}
		f, err := fields(line, width)
		if err != nil {
			s.Log().Debug().Err(err).Str("line", line).Msg("skipping malformed line")
			continue
		}
		i, err := parseIndex(f[0], len(snips))
		if err != nil || isNone(f[1], w.none()) {
			continue
		}
		sn := snips[i]
		meta := map[string]string{
			model.MetaKeywords: keywords(f[width-1]),
			model.MetaSourceID: sn.MessageID,
		}
		if w.timed {
			for k, v := range eventTime(f[2], sn) {
				meta[k] = v
			}
		}
		nodes = append(nodes, model.NewMemoryNode(model.NodeParams{
			UserName:   w.deps.Env.UserName,
			TargetName: w.deps.Env.TargetName,
			Content:    f[1],
			Type:       model.TypeObservation,
			Meta:       meta,
			Timestamp:  sn.Time,
		}))
	}

	s.Log().Info().Int("count", len(nodes)).Msg("observations extracted")
	s.Memory().Append(w.opts.Output, nodes...)
	return nil
}

// eventTime resolves the model's time field against when the snippet was
// said. A literal date wins; otherwise the phrase, then the snippet itself,
// is searched for time references.
func eventTime(field string, sn Snippet) map[string]string {
	if t, err := time.Parse(time.DateOnly, field); err == nil {
		f := temporal.Filter{}
		f[temporal.Year] = t.Format("2006")
		f[temporal.Month] = t.Format("1")
		f[temporal.Day] = t.Format("2")
		f[temporal.Weekday] = t.Weekday().String()
		return f.EventMeta()
	}
	if f := temporal.Extract(field, sn.Time); len(f) > 0 {
		return f.EventMeta()
	}
	return temporal.Extract(sn.Text, sn.Time).EventMeta()
}
