// Package scheduler runs an operation in a cancellable background loop,
// gated by an interval and a minimum batch size.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/memoryscope/internal/logging"
	"github.com/rcliao/memoryscope/internal/metrics"
	"github.com/rcliao/memoryscope/internal/pool"
)

// DefaultGranularity is the longest the loop sleeps between stop checks.
const DefaultGranularity = time.Second

// Config tunes one loop.
type Config struct {
	Interval    time.Duration
	MinCount    int
	Granularity time.Duration
}

// Job is the work a scheduler drives. Pending is the size of the batch
// waiting; Run processes it.
type Job interface {
	Pending() int
	Run(ctx context.Context) error
}

// JobFuncs adapts two functions to Job.
type JobFuncs struct {
	PendingFn func() int
	RunFn     func(ctx context.Context) error
}

func (j JobFuncs) Pending() int { return j.PendingFn() }

func (j JobFuncs) Run(ctx context.Context) error { return j.RunFn(ctx) }

var errPanic = errors.New("scheduled run panicked")

// Scheduler is Idle until Start and again after Stop. Start and Stop are
// idempotent; at most one run is in flight at any time.
type Scheduler struct {
	name string
	cfg  Config
	job  Job
	pool *pool.Pool
	log  zerolog.Logger

	running atomic.Bool
	gen     atomic.Uint64
	runMu   sync.Mutex

	mu   sync.Mutex
	done chan struct{}
}

// New returns an idle scheduler.
func New(name string, cfg Config, job Job, p *pool.Pool, log zerolog.Logger) *Scheduler {
	if cfg.Granularity <= 0 {
		cfg.Granularity = DefaultGranularity
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Granularity
	}
	return &Scheduler{
		name: name,
		cfg:  cfg,
		job:  job,
		pool: p,
		log:  logging.Component(log, "scheduler").With().Str("scheduler", name).Logger(),
	}
}

func (s *Scheduler) Name() string { return s.name }

// Running reports whether the loop is started.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Start launches the loop. It returns false if already running. The loop
// itself holds no pool slot; each run takes one while it executes.
func (s *Scheduler) Start() bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	gen := s.gen.Add(1)
	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(context.Background(), gen)
	}()
	s.log.Info().Dur("interval", s.cfg.Interval).Int("min_count", s.cfg.MinCount).Msg("backend loop started")
	return true
}

// Stop asks the loop to exit. It returns at once; a run in progress
// completes. Use Wait to block until the loop is gone.
func (s *Scheduler) Stop() bool {
	if !s.running.CompareAndSwap(true, false) {
		return false
	}
	s.log.Info().Msg("backend loop stopping")
	return true
}

// Wait blocks until the most recently started loop exits or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// alive is false once Stop was called or a newer loop took over.
func (s *Scheduler) alive(gen uint64) bool {
	return s.running.Load() && s.gen.Load() == gen
}

func (s *Scheduler) loop(ctx context.Context, gen uint64) {
	for s.sleep(gen) {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn().Err(err).Msg("scheduled run failed")
		}
	}
	s.log.Info().Msg("backend loop stopped")
}

// sleep waits one interval in slices of at most the granularity and
// reports whether the loop should go on.
func (s *Scheduler) sleep(gen uint64) bool {
	remaining := s.cfg.Interval
	for remaining > 0 {
		if !s.alive(gen) {
			return false
		}
		d := min(remaining, s.cfg.Granularity)
		time.Sleep(d)
		remaining -= d
	}
	return s.alive(gen)
}

// RunOnce runs the job if at least MinCount items are pending. It reports
// whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if n := s.job.Pending(); n < s.cfg.MinCount {
		metrics.SchedulerCycles.WithLabelValues(s.name, "skipped").Inc()
		s.log.Debug().Int("pending", n).Int("min_count", s.cfg.MinCount).Msg("cycle skipped")
		return false, nil
	}
	return true, s.run(ctx)
}

// RunNow runs the job regardless of how much is pending, still one run at
// a time.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.run(ctx)
}

// run executes the job as a pool task, so concurrent backend runs and
// frontend stages share the same bound.
func (s *Scheduler) run(ctx context.Context) error {
	g := s.pool.Group(ctx)
	g.Go(func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v\n%s", errPanic, r, debug.Stack())
			}
		}()
		return s.job.Run(ctx)
	})
	err := g.Wait()

	outcome := "run"
	if err != nil {
		outcome = "failed"
	}
	metrics.SchedulerCycles.WithLabelValues(s.name, outcome).Inc()
	return err
}
