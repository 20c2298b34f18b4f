package worker

import (
	"context"
	"fmt"

	"github.com/rcliao/memoryscope/internal/chunker"
	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/prompts"
)

type infoFilterOptions struct {
	Threshold   int `mapstructure:"threshold"`
	SegmentSize int `mapstructure:"segment_size"`
	MaxSegments int `mapstructure:"max_segments"`
}

func (o *infoFilterOptions) Validate() error {
	if o.Threshold < 0 || o.Threshold > 3 {
		return fmt.Errorf("threshold must be within 0..3, got %d", o.Threshold)
	}
	if o.SegmentSize < 20 {
		return fmt.Errorf("segment_size must be at least 20, got %d", o.SegmentSize)
	}
	if o.MaxSegments <= 0 {
		return fmt.Errorf("max_segments must be positive, got %d", o.MaxSegments)
	}
	return nil
}

// infoFilter asks the model to score unmemorized user turns for lasting
// personal information and keeps the segments at or above the threshold.
// It stops the run when nothing is kept.
type infoFilter struct {
	base
	opts infoFilterOptions
}

func newInfoFilter(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := infoFilterOptions{Threshold: 2, SegmentSize: chunker.DefaultTargetSize, MaxSegments: 50}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &infoFilter{base{name, d}, o}, nil
}

func (w *infoFilter) Keys() []string {
	return []string{MessagesKey.Name(), SnippetsKey.Name()}
}

func (w *infoFilter) Run(ctx context.Context, s *pipeline.Scope) error {
	msgs, _ := pipeline.Get(s, MessagesKey)

	split := chunker.Options{TargetSize: w.opts.SegmentSize, MaxSize: w.opts.SegmentSize * 3 / 2}
	var candidates []Snippet
	for _, m := range msgs {
		if m.Role != model.RoleUser || m.Memorized {
			continue
		}
		for _, seg := range chunker.Split(m.Content, split) {
			candidates = append(candidates, Snippet{MessageID: m.ID, Text: seg.Text, Time: m.Time()})
		}
	}
	if len(candidates) == 0 {
		s.Stop("no new user messages")
		return nil
	}
	if len(candidates) > w.opts.MaxSegments {
		candidates = candidates[len(candidates)-w.opts.MaxSegments:]
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	out, err := w.generate(ctx, "info_filter", w.data(items(texts)))
	if err != nil {
		if err := w.fail(s, "llm", err); err != nil {
			return err
		}
		s.Stop("info filter unavailable")
		return nil
	}

	var kept []Snippet
	for _, line := range outputLines(out) {
		i, score, err := scoreLine(line, len(candidates))
		if err != nil {
			s.Log().Debug().Err(err).Str("line", line).Msg("skipping malformed line")
			continue
		}
		if score >= w.opts.Threshold && candidates[i].Score == 0 {
			candidates[i].Score = score
			kept = append(kept, candidates[i])
		}
	}
	if len(kept) == 0 {
		s.Stop("nothing worth remembering")
		return nil
	}

	s.Log().Info().Int("kept", len(kept)).Int("total", len(candidates)).Msg("messages filtered")
	pipeline.Set(s, SnippetsKey, kept)
	return nil
}

// snippetItems numbers snippets for a prompt, with the time they were said.
func snippetItems(snips []Snippet) []prompts.Item {
	out := make([]prompts.Item, len(snips))
	for i, sn := range snips {
		out[i] = prompts.Item{Index: i + 1, Text: sn.Text, Time: sn.Time.Format("2006-01-02 15:04 Monday")}
	}
	return out
}
