package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rcliao/memoryscope/internal/memory"
)

// Key names a typed context slot.
type Key[T any] struct{ name string }

// NewKey declares a key. Keys with the same name share a slot, so each name
// must always be used with one type.
func NewKey[T any](name string) Key[T] { return Key[T]{name: name} }

// Name is the slot name, used in worker capability lists.
func (k Key[T]) Name() string { return k.name }

// ResultKey holds the string a run returns.
var ResultKey = NewKey[string]("result")

// Context is the per-run key-value store shared by every worker of a run.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
	memory *memory.Handler

	// stage is set by the executor for the duration of a concurrent stage.
	stage *sync.Mutex
}

// NewContext returns an empty context bound to a memory handler.
func NewContext(h *memory.Handler) *Context {
	return &Context{values: map[string]any{}, memory: h}
}

// Memory is the run's memory handler.
func (c *Context) Memory() *memory.Handler { return c.memory }

// Clear drops every value and resets the memory handler.
func (c *Context) Clear() {
	c.mu.Lock()
	c.values = map[string]any{}
	c.mu.Unlock()
	if c.memory != nil {
		c.memory.Reset()
	}
}

// Has reports whether name holds a value.
func (c *Context) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[name]
	return ok
}

func (c *Context) enterConcurrent() { c.stage = &sync.Mutex{} }

func (c *Context) exitConcurrent() { c.stage = nil }

func (c *Context) lockStage() func() {
	if l := c.stage; l != nil {
		l.Lock()
		return l.Unlock
	}
	return func() {}
}

func load[T any](c *Context, name string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name].(T)
	return v, ok
}

func store[T any](c *Context, name string, v T) {
	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
}

// Put seeds a value from outside a run.
func Put[T any](c *Context, k Key[T], v T) {
	defer c.lockStage()()
	store(c, k.name, v)
}

// Lookup reads a value from outside a run.
func Lookup[T any](c *Context, k Key[T]) (T, bool) {
	return load[T](c, k.name)
}

// Scope is one worker's view of the context. Reads and writes are checked
// against the keys the worker declared.
type Scope struct {
	ctx     *Context
	worker  string
	allowed map[string]bool
	log     zerolog.Logger

	runStop   *atomic.Bool
	chainStop *atomic.Bool
	reason    *atomic.Pointer[string]

	violation error
}

func newScope(c *Context, w Worker, run *runState, chainStop *atomic.Bool) *Scope {
	allowed := make(map[string]bool, len(w.Keys()))
	for _, k := range w.Keys() {
		allowed[k] = true
	}
	return &Scope{
		ctx:       c,
		worker:    w.Name(),
		allowed:   allowed,
		log:       run.log.With().Str("worker", w.Name()).Logger(),
		runStop:   &run.stopped,
		chainStop: chainStop,
		reason:    &run.reason,
	}
}

// Worker is the name of the worker owning the scope.
func (s *Scope) Worker() string { return s.worker }

// Log is the worker's logger, tagged with pipeline, run and worker.
func (s *Scope) Log() *zerolog.Logger { return &s.log }

// Memory is the run's memory handler.
func (s *Scope) Memory() *memory.Handler { return s.ctx.memory }

// Concurrent reports whether the worker runs inside a concurrent stage.
func (s *Scope) Concurrent() bool { return s.ctx.stage != nil }

// Stop ends the chain after this worker and the run after this stage.
func (s *Scope) Stop(reason string) {
	s.chainStop.Store(true)
	s.reason.CompareAndSwap(nil, &reason)
	s.runStop.Store(true)
}

func (s *Scope) check(name string) bool {
	if s.allowed[name] {
		return true
	}
	if s.violation == nil {
		s.violation = fmt.Errorf("%w: worker %s used undeclared key %q", ErrConfig, s.worker, name)
	}
	return false
}

// Get reads a declared key.
func Get[T any](s *Scope, k Key[T]) (T, bool) {
	if !s.check(k.name) {
		var zero T
		return zero, false
	}
	return load[T](s.ctx, k.name)
}

// Require reads a declared key that an earlier worker must have set.
func Require[T any](s *Scope, k Key[T]) (T, error) {
	v, ok := Get(s, k)
	if !ok {
		if s.violation != nil {
			return v, s.violation
		}
		return v, fmt.Errorf("%w: worker %s needs context key %q", ErrConfig, s.worker, k.name)
	}
	return v, nil
}

// Set writes a declared key.
func Set[T any](s *Scope, k Key[T], v T) {
	if !s.check(k.name) {
		return
	}
	defer s.ctx.lockStage()()
	store(s.ctx, k.name, v)
}

// Update applies fn to the current value of a declared key atomically with
// respect to other writers in the same stage.
func Update[T any](s *Scope, k Key[T], fn func(T) T) T {
	if !s.check(k.name) {
		var zero T
		return zero
	}
	defer s.ctx.lockStage()()
	cur, _ := load[T](s.ctx, k.name)
	next := fn(cur)
	store(s.ctx, k.name, next)
	return next
}
