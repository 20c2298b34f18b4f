package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcliao/memoryscope/internal/config"
	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/llm"
	"github.com/rcliao/memoryscope/internal/logging"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/pool"
	"github.com/rcliao/memoryscope/internal/prompts"
	"github.com/rcliao/memoryscope/internal/service"
	"github.com/rcliao/memoryscope/internal/store"
	"github.com/rcliao/memoryscope/internal/worker"
)

// app holds everything a command needs, built once from the config.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	logs     io.Closer
	embedder embedding.Embedder
	svc      *service.Service
}

type wireOptions struct {
	generator llm.Generator
	log       *zerolog.Logger
	stream    io.Writer
}

type wireOption func(*wireOptions)

// withGenerator replaces the configured generation backend.
func withGenerator(g llm.Generator) wireOption {
	return func(o *wireOptions) { o.generator = g }
}

// withLogger replaces the configured logger.
func withLogger(log zerolog.Logger) wireOption {
	return func(o *wireOptions) { o.log = &log }
}

// withStream makes workers stream generations and echoes the fragments
// to w as they arrive.
func withStream(w io.Writer) wireOption {
	return func(o *wireOptions) { o.stream = w }
}

// deltaPrinter writes streamed fragments, starting a "[worker] " line
// whenever the speaking worker changes.
type deltaPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (p *deltaPrinter) print(worker, delta string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if worker != p.last {
		if p.last != "" {
			fmt.Fprintln(p.w)
		}
		fmt.Fprintf(p.w, "[%s] ", worker)
		p.last = worker
	}
	fmt.Fprint(p.w, delta)
}

func newApp(cfg *config.Config, opts ...wireOption) (_ *app, err error) {
	var o wireOptions
	for _, opt := range opts {
		opt(&o)
	}
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if o.log != nil {
		a.log = *o.log
	} else {
		a.log, a.logs, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("init logging: %w", err)
		}
	}

	a.embedder, err = embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	gen := o.generator
	if gen == nil {
		if gen, err = llm.NewGenerator(cfg.Generation); err != nil {
			return nil, fmt.Errorf("init generator: %w", err)
		}
	}
	ranker, err := llm.NewRanker(cfg.Rank, a.embedder)
	if err != nil {
		return nil, fmt.Errorf("init ranker: %w", err)
	}
	catalogue, err := prompts.Load()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	p := pool.New(cfg.Global.PoolSize)
	env := worker.Env{
		UserName:   cfg.Global.UserName,
		TargetName: cfg.Global.TargetName,
		Language:   cfg.Global.Language,
	}
	deps := &worker.Deps{
		Generator: gen,
		Ranker:    ranker,
		Embedder:  a.embedder,
		Prompts:   catalogue,
		Pool:      p,
		Log:       logging.Component(a.log, "worker"),
		Env:       env,
	}
	if o.stream != nil {
		deps.OnDelta = (&deltaPrinter{w: o.stream}).print
	}
	reg := pipeline.NewRegistry()
	if err := worker.Register(reg, cfg.Workers, deps); err != nil {
		st.Close()
		return nil, err
	}

	a.svc, err = service.New(service.Options{
		Operations:   operations(cfg),
		RetrieveOp:   cfg.Global.RetrieveOp,
		HistoryCount: cfg.Global.HistoryMsgCount,
		Granularity:  cfg.Global.Granularity,
		Env:          env,
		Store:        st,
		Embedder:     a.embedder,
		Registry:     reg,
		Pool:         p,
		Log:          a.log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	a.log.Debug().
		Str("store", cfg.Store.Backend).
		Int("workers", len(cfg.Workers)).
		Strs("operations", a.svc.Operations()).
		Msg("memoryscope ready")
	return a, nil
}

// close stops the service and releases the store, the embedding cache and
// the log file.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close(ctx))
	}
	if c, ok := a.embedder.(*embedding.Cached); ok {
		c.Close()
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// openStore opens the configured backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "chromem":
		s, err := store.NewChromemStore(cfg.Store.Path, cfg.Embedding.Dims)
		if err != nil {
			return nil, fmt.Errorf("open chromem store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

// operations converts the configured operations in name order.
func operations(cfg *config.Config) []service.Operation {
	names := make([]string, 0, len(cfg.Operations))
	for n := range cfg.Operations {
		names = append(names, n)
	}
	sort.Strings(names)

	ops := make([]service.Operation, 0, len(names))
	for _, n := range names {
		oc := cfg.Operations[n]
		ops = append(ops, service.Operation{
			Name:          n,
			Pipeline:      oc.Pipeline,
			Kind:          service.Kind(oc.Kind),
			Interval:      oc.Interval,
			MinCount:      oc.MinCount,
			MarkMemorized: oc.MarkMemorized,
		})
	}
	return ops
}
