package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/pool"
)

// ProfileAttribute is one profile slot kept about the target.
type ProfileAttribute struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Mutable bool   `mapstructure:"mutable" yaml:"mutable"`
	Unique  bool   `mapstructure:"unique" yaml:"unique"`
}

// DefaultProfileAttributes are the slots filled when none are configured.
func DefaultProfileAttributes() []ProfileAttribute {
	return []ProfileAttribute{
		{Name: "name", Unique: true},
		{Name: "gender", Unique: true},
		{Name: "age", Mutable: true, Unique: true},
		{Name: "occupation", Mutable: true},
		{Name: "location", Mutable: true, Unique: true},
		{Name: "interests", Mutable: true},
		{Name: "personality", Mutable: true},
	}
}

type updateProfileOptions struct {
	Attributes      []ProfileAttribute `mapstructure:"attributes"`
	Input           string             `mapstructure:"input"`
	ObsKey          string             `mapstructure:"obs_key"`
	Output          string             `mapstructure:"output"`
	Threshold       float64            `mapstructure:"threshold"`
	MaxObservations int                `mapstructure:"max_observations"`
	MaxParallel     int                `mapstructure:"max_parallel"`
}

func (o *updateProfileOptions) Validate() error {
	if o.Input == "" || o.ObsKey == "" || o.Output == "" {
		return errors.New("input, obs_key and output are required")
	}
	if len(o.Attributes) == 0 {
		return errors.New("attributes is required")
	}
	seen := map[string]bool{}
	for i, a := range o.Attributes {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("attributes[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("attributes[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	if o.MaxObservations <= 0 {
		return fmt.Errorf("max_observations must be positive, got %d", o.MaxObservations)
	}
	if o.MaxParallel <= 0 {
		return fmt.Errorf("max_parallel must be positive, got %d", o.MaxParallel)
	}
	return nil
}

// updateProfile fills profile attributes from new observations. Immutable
// attributes are only ever set once.
type updateProfile struct {
	base
	opts updateProfileOptions
}

func newUpdateProfile(name string, opts map[string]any, d *Deps) (pipeline.Worker, error) {
	o := updateProfileOptions{
		Attributes:      DefaultProfileAttributes(),
		Input:           HandlerProfile,
		ObsKey:          HandlerNotUpdated,
		Output:          HandlerUpdatedProfile,
		Threshold:       0.3,
		MaxObservations: 10,
		MaxParallel:     3,
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &updateProfile{base{name, d}, o}, nil
}

func (w *updateProfile) Keys() []string { return nil }

type profileTask struct {
	attr    ProfileAttribute
	current *model.MemoryNode
}

type profileUpdate struct {
	value string
	used  []*model.MemoryNode
}

func (w *updateProfile) Run(ctx context.Context, s *pipeline.Scope) error {
	h := s.Memory()
	var obs []*model.MemoryNode
	for _, n := range h.Lookup(true, w.opts.ObsKey) {
		if isObservation(n) {
			obs = append(obs, n)
		}
	}
	if len(obs) == 0 {
		return nil
	}

	existing := map[string]*model.MemoryNode{}
	for _, n := range h.Lookup(true, w.opts.Input) {
		if n.Type() == model.TypeProfile {
			existing[n.Meta(model.MetaKey)] = n
		}
	}
	var tasks []profileTask
	for _, a := range w.opts.Attributes {
		cur := existing[a.Name]
		if cur != nil && !a.Mutable && cur.Meta(model.MetaValue) != "" {
			continue
		}
		tasks = append(tasks, profileTask{a, cur})
	}

	results, errs := pool.Map(ctx, w.deps.Pool, tasks, func(ctx context.Context, t profileTask) (profileUpdate, error) {
		relevant := w.rankNodes(ctx, s, t.attr.Name, obs, w.opts.Threshold, w.opts.MaxObservations)
		if len(relevant) == 0 {
			return profileUpdate{}, nil
		}
		data := w.data(items(contents(relevant)))
		data.Attribute = t.attr.Name
		data.Current = w.none()
		if t.current != nil {
			data.Current = t.current.Meta(model.MetaValue)
		}
		out, err := w.generate(ctx, "update_profile", data)
		if err != nil {
			return profileUpdate{}, err
		}
		return profileUpdate{value: firstAnswer(out, w.none()), used: relevant}, nil
	}, pool.WithLimit(w.opts.MaxParallel))

	var created []*model.MemoryNode
	var changed int
	for i, t := range tasks {
		if errs[i] != nil {
			if errors.Is(errs[i], pipeline.ErrConfig) {
				return errs[i]
			}
			w.backendFailed(s, "llm", errs[i])
			continue
		}
		r := results[i]
		if r.value == "" {
			continue
		}
		content := t.attr.Name + ": " + r.value
		if t.current != nil {
			if t.current.Meta(model.MetaValue) == r.value {
				continue
			}
			if err := t.current.SetContent(content); err != nil {
				s.Log().Debug().Err(err).Str("memory_id", t.current.ID()).Msg("skip profile update")
				continue
			}
			if err := t.current.SetMeta(model.MetaValue, r.value); err != nil {
				s.Log().Debug().Err(err).Str("memory_id", t.current.ID()).Msg("skip profile update")
				continue
			}
			created = append(created, t.current)
		} else {
			created = append(created, model.NewMemoryNode(model.NodeParams{
				UserName:   w.deps.Env.UserName,
				TargetName: w.deps.Env.TargetName,
				Content:    content,
				Type:       model.TypeProfile,
				Meta: map[string]string{
					model.MetaKey:       t.attr.Name,
					model.MetaValue:     r.value,
					model.MetaIsUnique:  strconv.FormatBool(t.attr.Unique),
					model.MetaIsMutable: strconv.FormatBool(t.attr.Mutable),
				},
				Timestamp: w.deps.now(),
			}))
		}
		changed++
		markUpdated(s, r.used)
	}

	s.Log().Info().Int("changed", changed).Int("attributes", len(tasks)).Msg("profile updated")
	h.Append(w.opts.Output, created...)
	return nil
}
