// Package pool provides the process-wide bounded worker pool. Every goroutine
// doing pipeline or consolidation work runs as a pool task, so the pool size
// bounds concurrent backend calls for the whole process.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of running tasks.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a pool running at most size tasks at once.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size is the pool bound.
func (p *Pool) Size() int { return p.size }

type slotKey struct{}

// slot tracks whether a task goroutine currently owns a pool slot. Only the
// owning goroutine touches it.
type slot struct {
	held bool
}

func slotFrom(ctx context.Context) *slot {
	s, _ := ctx.Value(slotKey{}).(*slot)
	return s
}

// ErrPanic wraps a panic recovered from a task.
var ErrPanic = errors.New("task panicked")

func (p *Pool) run(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire pool slot: %w", err)
	}
	s := &slot{held: true}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
		if s.held {
			p.sem.Release(1)
		}
	}()
	return fn(context.WithValue(ctx, slotKey{}, s))
}

// Option configures a Group.
type Option func(*Group)

// WithDelay sleeps d between submissions so a fan-out does not burst the backend.
func WithDelay(d time.Duration) Option {
	return func(g *Group) { g.delay = d }
}

// WithLimit caps how many of the group's tasks run at once.
func WithLimit(n int) Option {
	return func(g *Group) {
		if n > 0 {
			g.limit = semaphore.NewWeighted(int64(n))
		}
	}
}

// Group is a join barrier over pool tasks. Wait blocks for all tasks.
type Group struct {
	pool      *Pool
	ctx       context.Context
	eg        errgroup.Group
	limit     *semaphore.Weighted
	delay     time.Duration
	submitted int
}

// Group starts a new join barrier.
func (p *Pool) Group(ctx context.Context, opts ...Option) *Group {
	g := &Group{pool: p, ctx: ctx}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Go submits fn. With a delay configured, every submission after the first
// waits that long first.
func (g *Group) Go(fn func(ctx context.Context) error) {
	if g.submitted > 0 && g.delay > 0 {
		t := time.NewTimer(g.delay)
		select {
		case <-t.C:
		case <-g.ctx.Done():
			t.Stop()
		}
	}
	g.submitted++
	g.eg.Go(func() error {
		// the group limit is taken inside the task so Go never blocks the submitter
		if g.limit != nil {
			if err := g.limit.Acquire(g.ctx, 1); err != nil {
				return fmt.Errorf("acquire group slot: %w", err)
			}
			defer g.limit.Release(1)
		}
		return g.pool.run(g.ctx, fn)
	})
}

// Wait blocks until every submitted task returns and reports the first
// error. A caller that is itself a pool task gives up its slot while it
// waits, so nested fan-out cannot starve the pool.
func (g *Group) Wait() error {
	if s := slotFrom(g.ctx); s != nil && s.held {
		g.pool.sem.Release(1)
		s.held = false
		defer func() {
			if err := g.pool.sem.Acquire(context.WithoutCancel(g.ctx), 1); err == nil {
				s.held = true
			}
		}()
	}
	return g.eg.Wait()
}

var errNotRun = errors.New("task not run")

// Map runs fn over items as one group and joins on all of them. Results and
// errors are index-aligned with items; a failed item does not affect others.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error), opts ...Option) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))
	for i := range errs {
		errs[i] = errNotRun
	}

	g := p.Group(ctx, opts...)
	for i, item := range items {
		g.Go(func(ctx context.Context) error {
			r, err := fn(ctx, item)
			results[i], errs[i] = r, err
			return nil
		})
	}
	// only panics and slot acquisition failures surface here
	if err := g.Wait(); err != nil {
		for i := range errs {
			if errors.Is(errs[i], errNotRun) {
				errs[i] = err
			}
		}
	}
	return results, errs
}
