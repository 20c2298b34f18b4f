package worker

import (
	"context"
	"errors"

	"github.com/rcliao/memoryscope/internal/pipeline"
)

type updateMemoryOptions struct {
	Keys []string `mapstructure:"keys"`
}

func (o *updateMemoryOptions) Validate() error {
	if len(o.Keys) == 0 {
		return errors.New("keys is required")
	}
	return nil
}

// updateMemory commits the nodes under the configured handler keys and
// adds the counts to the run's commit summary. Nodes that fail stay
// pending; the run goes on.
type updateMemory struct {
	base
	opts updateMemoryOptions
}

func newUpdateMemory(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := updateMemoryOptions{Keys: []string{
		HandlerNewObs,
		HandlerRecentObs,
		HandlerNotReflected,
		HandlerNotUpdated,
		HandlerInsight,
		HandlerNewInsight,
		HandlerProfile,
		HandlerUpdatedProfile,
	}}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &updateMemory{base{name, d}, o}, nil
}

func (w *updateMemory) Keys() []string { return []string{CommitKey.Name()} }

func (w *updateMemory) Run(ctx context.Context, s *pipeline.Scope) error {
	stats, err := s.Memory().Commit(ctx, w.opts.Keys...)
	if err != nil {
		w.backendFailed(s, "store", err)
	}
	pipeline.Update(s, CommitKey, func(c CommitSummary) CommitSummary {
		c.Inserted += stats.Inserted
		c.Updated += stats.Updated + stats.Reembedded
		c.Deleted += stats.Deleted
		c.Failed += stats.Failed
		return c
	})
	return nil
}
