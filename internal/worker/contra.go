package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
)

type contraOptions struct {
	Inputs   []string `mapstructure:"inputs"`
	MaxCount int      `mapstructure:"max_count"`
}

func (o *contraOptions) Validate() error {
	if len(o.Inputs) == 0 {
		return errors.New("inputs is required")
	}
	if o.MaxCount < 2 {
		return fmt.Errorf("max_count must be at least 2, got %d", o.MaxCount)
	}
	return nil
}

// contraRepeat asks the model which observations are contradicted or fully
// included by later ones and expires or corrects them. Observations the
// user wrote directly are shown for context but never changed.
type contraRepeat struct {
	base
	opts contraOptions
}

func newContraRepeat(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := contraOptions{Inputs: []string{HandlerRecentObs, HandlerNewObs}, MaxCount: 50}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &contraRepeat{base{name, d}, o}, nil
}

func (w *contraRepeat) Keys() []string { return nil }

const (
	verdictContradictory = "contradictory"
	verdictIncluded      = "included"
)

func (w *contraRepeat) Run(ctx context.Context, s *pipeline.Scope) error {
	nodes := s.Memory().Lookup(true, w.opts.Inputs...)
	if len(nodes) < 2 {
		return nil
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		ti, tj := nodes[i].Timestamp(), nodes[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return nodes[i].ID() < nodes[j].ID()
	})
	if len(nodes) > w.opts.MaxCount {
		nodes = nodes[len(nodes)-w.opts.MaxCount:]
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Content()
	}
	out, err := w.generate(ctx, "contra_repeat", w.data(items(texts)))
	if err != nil {
		return w.fail(s, "llm", err)
	}

	var expired, corrected int
	for _, line := range outputLines(out) {
		f, err := fields(line, 3)
		if err != nil {
			// "<index> <verdict> [content]" without separators
			if f = strings.Fields(line); len(f) < 2 {
				s.Log().Debug().Str("line", line).Msg("skipping malformed line")
				continue
			}
			f = append(f[:2:2], strings.Join(f[2:], " "))
		}
		i, err := parseIndex(f[0], len(nodes))
		if err != nil {
			s.Log().Debug().Err(err).Str("line", line).Msg("skipping malformed line")
			continue
		}
		n := nodes[i]
		if n.Type() == model.TypeObsCustomized {
			continue
		}
		switch strings.ToLower(f[1]) {
		case verdictContradictory:
			if f[2] != "" && !isNone(f[2], w.none()) {
				if f[2] == n.Content() {
					continue
				}
				if err := n.SetContent(f[2]); err == nil {
					corrected++
				}
				continue
			}
			fallthrough
		case verdictIncluded:
			if n.Status() != model.StatusExpired {
				if err := n.Expire(); err == nil {
					expired++
				}
			}
		}
	}
	s.Log().Info().Int("expired", expired).Int("corrected", corrected).Int("checked", len(nodes)).
		Msg("contradictions resolved")
	return nil
}
