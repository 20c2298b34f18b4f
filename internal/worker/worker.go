// Package worker implements the retrieval and consolidation steps that
// pipelines are assembled from.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"

	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/llm"
	"github.com/rcliao/memoryscope/internal/metrics"
	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/pool"
	"github.com/rcliao/memoryscope/internal/prompts"
	"github.com/rcliao/memoryscope/internal/store"
)

// Env names whose memory is being handled and in which language.
type Env struct {
	UserName   string
	TargetName string
	Language   string
}

// Deps are the collaborators shared by every worker instance.
type Deps struct {
	Generator llm.Generator
	Ranker    llm.Ranker
	Embedder  embedding.Embedder
	Prompts   *prompts.Provider
	Pool      *pool.Pool
	Log       zerolog.Logger
	Env       Env
	Now       func() time.Time

	// OnDelta, when set, makes workers stream generations and receive each
	// text fragment tagged with the worker name. It may be called from
	// several goroutines at once.
	OnDelta func(worker, delta string)
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Spec configures one named worker instance.
type Spec struct {
	Type    string         `mapstructure:"type" yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// Factory builds a worker instance from its decoded options.
type Factory func(name string, opts map[string]any, d *Deps) (pipeline.Worker, error)

var factories = map[string]Factory{
	"set_query":                 newSetQuery,
	"extract_time":              newExtractTime,
	"retrieve_memory":           newRetrieveMemory,
	"read_message":              newReadMessage,
	"semantic_rank":             newSemanticRank,
	"fuse_rerank":               newFuseRerank,
	"print_memory":              newPrintMemory,
	"load_memory":               newLoadMemory,
	"info_filter":               newInfoFilter,
	"get_observation":           newGetObservation,
	"get_observation_with_time": newGetObservationWithTime,
	"contra_repeat":             newContraRepeat,
	"get_reflection_subject":    newReflectionSubject,
	"update_insight":            newUpdateInsight,
	"update_profile":            newUpdateProfile,
	"update_memory":             newUpdateMemory,
}

// Types lists the worker types in sorted order.
func Types() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasType reports whether typ is a known worker type.
func HasType(typ string) bool {
	_, ok := factories[typ]
	return ok
}

// Register adds every configured instance to reg. Options are decoded
// once here so a bad option fails at startup instead of on first run.
func Register(reg *pipeline.Registry, specs map[string]Spec, d *Deps) error {
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := specs[name]
		f, ok := factories[spec.Type]
		if !ok {
			return fmt.Errorf("%w: worker %s has unknown type %q", pipeline.ErrConfig, name, spec.Type)
		}
		if _, err := f(name, spec.Options, d); err != nil {
			return fmt.Errorf("%w: worker %s: %v", pipeline.ErrConfig, name, err)
		}
		if err := reg.Register(name, func() (pipeline.Worker, error) {
			return f(name, spec.Options, d)
		}); err != nil {
			return err
		}
	}
	return nil
}

type validator interface {
	Validate() error
}

// decode fills out from opts, rejecting unknown keys, then validates it.
// out should already hold the defaults; a configured list or map replaces
// the default one.
func decode(opts map[string]any, out validator) error {
	if len(opts) == 0 {
		return out.Validate()
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return out.Validate()
}

// base carries what every worker needs.
type base struct {
	name string
	deps *Deps
}

func (b *base) Name() string { return b.name }

func (b *base) lang() string {
	if b.deps.Env.Language == "" {
		return prompts.FallbackLanguage
	}
	return b.deps.Env.Language
}

func (b *base) none() string { return b.deps.Prompts.NoneToken(b.lang()) }

// filter scopes store reads to the configured user and target.
func (b *base) filter(types ...model.MemoryType) store.Filter {
	return store.Filter{UserName: b.deps.Env.UserName, TargetName: b.deps.Env.TargetName, Types: types}
}

// backendFailed logs a transient failure; the worker then stores nothing.
func (b *base) backendFailed(s *pipeline.Scope, backend string, err error) {
	metrics.BackendErrors.WithLabelValues(b.name, backend).Inc()
	s.Log().Warn().Err(err).Str("backend", backend).Msg("backend call failed")
}

// promptData is the input of every prompt template.
type promptData struct {
	User      string
	Target    string
	None      string
	Items     []prompts.Item
	Max       int
	Covered   string
	Subject   string
	Current   string
	Attribute string
}

func (b *base) data(items []prompts.Item) promptData {
	return promptData{
		User:   b.deps.Env.UserName,
		Target: b.deps.Env.TargetName,
		None:   b.none(),
		Items:  items,
	}
}

// generate renders the <prompt>_system and <prompt>_user templates and
// calls the model. A missing template is a configuration error.
func (b *base) generate(ctx context.Context, prompt string, data promptData) (string, error) {
	sys, err := b.deps.Prompts.Format(prompt+"_system", b.lang(), data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrConfig, err)
	}
	usr, err := b.deps.Prompts.Format(prompt+"_user", b.lang(), data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrConfig, err)
	}
	if b.deps.Generator == nil {
		return "", fmt.Errorf("%w: worker %s needs a generator", pipeline.ErrConfig, b.name)
	}
	msgs := []llm.Message{llm.System(sys), llm.User(usr)}
	if b.deps.OnDelta == nil {
		return b.deps.Generator.Generate(ctx, msgs)
	}
	return b.deps.Generator.Stream(ctx, msgs, func(d string) { b.deps.OnDelta(b.name, d) })
}

func items(texts []string) []prompts.Item {
	out := make([]prompts.Item, len(texts))
	for i, t := range texts {
		out[i] = prompts.Item{Index: i + 1, Text: t}
	}
	return out
}

func parseTypes(names []string) ([]model.MemoryType, error) {
	out := make([]model.MemoryType, 0, len(names))
	for _, n := range names {
		t, err := model.ParseType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// fail returns configuration errors and swallows backend errors after
// logging them.
func (b *base) fail(s *pipeline.Scope, backend string, err error) error {
	if errors.Is(err, pipeline.ErrConfig) {
		return err
	}
	b.backendFailed(s, backend, err)
	return nil
}
