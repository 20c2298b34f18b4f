package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
)

type printOptions struct {
	ProfileKey string   `mapstructure:"profile_key"`
	Keys       []string `mapstructure:"keys"`
}

func (o *printOptions) Validate() error {
	if len(o.Keys) == 0 {
		return errors.New("keys is required")
	}
	return nil
}

// printMemory renders memories grouped by type under language specific
// headers and writes the text to the result.
type printMemory struct {
	base
	opts printOptions
}

func newPrintMemory(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := printOptions{ProfileKey: HandlerProfile, Keys: []string{HandlerReranked, HandlerAll}}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &printMemory{base{name, d}, o}, nil
}

func (w *printMemory) Keys() []string { return []string{pipeline.ResultKey.Name()} }

// section order of the output
var printSections = []struct {
	header string
	types  []model.MemoryType
}{
	{"header_profile", []model.MemoryType{model.TypeProfile, model.TypeProfileCustomized}},
	{"header_insight", []model.MemoryType{model.TypeInsight}},
	{"header_observation", []model.MemoryType{model.TypeObservation, model.TypeObsCustomized}},
	{"header_conversation", []model.MemoryType{model.TypeConversation}},
}

func (w *printMemory) Run(_ context.Context, s *pipeline.Scope) error {
	keys := w.opts.Keys
	if w.opts.ProfileKey != "" {
		keys = append([]string{w.opts.ProfileKey}, keys...)
	}
	nodes := s.Memory().Lookup(true, keys...)

	byType := map[model.MemoryType][]*model.MemoryNode{}
	for _, n := range nodes {
		byType[n.Type()] = append(byType[n.Type()], n)
	}

	data := w.data(nil)
	var parts []string
	for _, sec := range printSections {
		var lines []string
		for _, t := range sec.types {
			for _, n := range byType[t] {
				lines = append(lines, w.line(n))
			}
		}
		if len(lines) == 0 {
			continue
		}
		header, err := w.deps.Prompts.Format(sec.header, w.lang(), data)
		if err != nil {
			return fmt.Errorf("%w: %v", pipeline.ErrConfig, err)
		}
		parts = append(parts, header+"\n"+strings.Join(lines, "\n"))
	}

	pipeline.Set(s, pipeline.ResultKey, strings.Join(parts, "\n\n"))
	return nil
}

func (w *printMemory) line(n *model.MemoryNode) string {
	switch n.Type() {
	case model.TypeInsight:
		if k := n.Meta(model.MetaKey); k != "" {
			return "- " + k + ": " + n.Content()
		}
	case model.TypeObservation, model.TypeObsCustomized:
		return "- [" + dateOf(n) + "] " + n.Content()
	}
	return "- " + n.Content()
}
