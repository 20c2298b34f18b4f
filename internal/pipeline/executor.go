package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcliao/memoryscope/internal/metrics"
	"github.com/rcliao/memoryscope/internal/pool"
)

// Executor runs one plan. Workers are resolved from the registry on the
// first Run; a resolution failure is returned by every later Run.
type Executor struct {
	name   string
	plan   *Plan
	reg    *Registry
	pool   *pool.Pool
	log    zerolog.Logger
	timing bool

	once    sync.Once
	workers map[string]Worker
	initErr error
}

// Option configures an Executor.
type Option func(*Executor)

// WithoutTiming disables the duration histogram and the finish log line.
func WithoutTiming() Option {
	return func(e *Executor) { e.timing = false }
}

// WithLogger sets the executor's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// NewExecutor returns an executor for plan. Concurrent stages run on p.
func NewExecutor(name string, plan *Plan, reg *Registry, p *pool.Pool, opts ...Option) *Executor {
	e := &Executor{
		name:   name,
		plan:   plan,
		reg:    reg,
		pool:   p,
		log:    zerolog.Nop(),
		timing: true,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name is the pipeline name.
func (e *Executor) Name() string { return e.name }

// Plan is the parsed plan.
func (e *Executor) Plan() *Plan { return e.plan }

func (e *Executor) resolve() {
	names := e.plan.Workers()
	var missing []string
	for _, n := range names {
		if !e.reg.Has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		e.initErr = fmt.Errorf("%w: pipeline %s: unregistered workers: %s",
			ErrConfig, e.name, strings.Join(missing, ", "))
		return
	}

	workers := make(map[string]Worker, len(names))
	for _, n := range names {
		w, err := e.reg.Build(n)
		if err != nil {
			e.initErr = fmt.Errorf("pipeline %s: %w", e.name, err)
			return
		}
		workers[n] = w
	}
	e.workers = workers
}

type runState struct {
	log     zerolog.Logger
	stopped atomic.Bool
	reason  atomic.Pointer[string]
}

// Run executes the plan against pc and returns the value under ResultKey.
func (e *Executor) Run(ctx context.Context, pc *Context) (result string, err error) {
	e.once.Do(e.resolve)
	if e.initErr != nil {
		return "", e.initErr
	}

	run := &runState{
		log: e.log.With().Str("pipeline", e.name).Str("run_id", uuid.NewString()).Logger(),
	}

	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "failed"
		case run.stopped.Load():
			outcome = "stopped"
		}
		metrics.PipelineRuns.WithLabelValues(e.name, outcome).Inc()
		if e.timing {
			elapsed := time.Since(start)
			metrics.PipelineDuration.WithLabelValues(e.name).Observe(elapsed.Seconds())
			run.log.Info().Str("outcome", outcome).Dur("elapsed", elapsed).Msg("pipeline finished")
		}
	}()

	for i, st := range e.plan.Stages {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("pipeline %s: %w", e.name, err)
		}
		if err := e.runStage(ctx, run, st, pc); err != nil {
			return "", err
		}
		if run.stopped.Load() {
			ev := run.log.Info().Int("stage", i)
			if r := run.reason.Load(); r != nil {
				ev = ev.Str("reason", *r)
			}
			ev.Msg("pipeline stopped early")
			break
		}
	}

	result, _ = Lookup(pc, ResultKey)
	return result, nil
}

func (e *Executor) runStage(ctx context.Context, run *runState, st Stage, pc *Context) error {
	if !st.Concurrent() {
		return e.runChain(ctx, run, st.Chains[0], pc)
	}

	pc.enterConcurrent()
	defer pc.exitConcurrent()

	g := e.pool.Group(ctx)
	for _, chain := range st.Chains {
		g.Go(func(ctx context.Context) error {
			return e.runChain(ctx, run, chain, pc)
		})
	}
	return g.Wait()
}

func (e *Executor) runChain(ctx context.Context, run *runState, chain Chain, pc *Context) error {
	var chainStop atomic.Bool
	for _, name := range chain {
		w := e.workers[name]
		s := newScope(pc, w, run, &chainStop)
		if err := e.runWorker(ctx, w, s); err != nil {
			return err
		}
		if chainStop.Load() {
			return nil
		}
	}
	return nil
}

var errWorkerPanic = errors.New("worker panicked")

func (e *Executor) runWorker(ctx context.Context, w Worker, s *Scope) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v\n%s", errWorkerPanic, w.Name(), r, debug.Stack())
		}
		metrics.WorkerDuration.WithLabelValues(w.Name()).Observe(time.Since(start).Seconds())
	}()

	if err := w.Run(ctx, s); err != nil {
		return fmt.Errorf("worker %s: %w", w.Name(), err)
	}
	if s.violation != nil {
		return s.violation
	}
	s.log.Debug().Dur("elapsed", time.Since(start)).Msg("worker done")
	return nil
}
