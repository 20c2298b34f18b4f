package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memoryscope/internal/metrics"
	"github.com/rcliao/memoryscope/internal/pool"
)

type funcWorker struct {
	name string
	keys []string
	run  func(ctx context.Context, s *Scope) error
}

func (w *funcWorker) Name() string { return w.name }

func (w *funcWorker) Keys() []string { return w.keys }

func (w *funcWorker) Run(ctx context.Context, s *Scope) error {
	if w.run == nil {
		return nil
	}
	return w.run(ctx, s)
}

type tracer struct {
	mu    sync.Mutex
	names []string
}

func (tr *tracer) worker(name string) *funcWorker {
	return &funcWorker{name: name, run: func(context.Context, *Scope) error {
		tr.mu.Lock()
		tr.names = append(tr.names, name)
		tr.mu.Unlock()
		return nil
	}}
}

func (tr *tracer) trace() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return slices.Clone(tr.names)
}

func newExecutor(t *testing.T, name, spec string, workers ...Worker) *Executor {
	t.Helper()
	plan, err := Parse(spec)
	require.NoError(t, err)
	reg := NewRegistry()
	for _, w := range workers {
		require.NoError(t, reg.Register(w.Name(), func() (Worker, error) { return w, nil }))
	}
	return NewExecutor(name, plan, reg, pool.New(4))
}

func TestExecutorTraceOrdering(t *testing.T) {
	t.Parallel()
	tr := &tracer{}
	e := newExecutor(t, "trace", "a,[b,c|d],e",
		tr.worker("a"), tr.worker("b"), tr.worker("c"), tr.worker("d"), tr.worker("e"))

	_, err := e.Run(context.Background(), NewContext(nil))
	require.NoError(t, err)

	got := tr.trace()
	require.Len(t, got, 5)
	assert.Equal(t, "a", got[0])
	assert.Equal(t, "e", got[4])
	assert.ElementsMatch(t, []string{"b", "c", "d"}, got[1:4])
	assert.Less(t, slices.Index(got, "b"), slices.Index(got, "c"))
}

func TestExecutorShortCircuit(t *testing.T) {
	t.Parallel()
	tr := &tracer{}
	stopper := &funcWorker{name: "b", run: func(_ context.Context, s *Scope) error {
		s.Stop("nothing to do")
		return nil
	}}
	e := newExecutor(t, "short", "a,b,c", tr.worker("a"), stopper, tr.worker("c"))

	res, err := e.Run(context.Background(), NewContext(nil))
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, []string{"a"}, tr.trace())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineRuns.WithLabelValues("short", "stopped")))
}

func TestExecutorConcurrentStopWaitsForOthers(t *testing.T) {
	t.Parallel()
	tr := &tracer{}
	stopper := &funcWorker{name: "a", run: func(_ context.Context, s *Scope) error {
		s.Stop("done")
		return nil
	}}
	e := newExecutor(t, "concurrent-stop", "[a,b|c,d],e",
		stopper, tr.worker("b"), tr.worker("c"), tr.worker("d"), tr.worker("e"))

	_, err := e.Run(context.Background(), NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, tr.trace())
}

func TestExecutorEmptyPlan(t *testing.T) {
	t.Parallel()
	e := newExecutor(t, "empty", " , ")
	res, err := e.Run(context.Background(), NewContext(nil))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestExecutorUnregisteredWorkerIsSticky(t *testing.T) {
	t.Parallel()
	tr := &tracer{}
	e := newExecutor(t, "missing", "a,ghost,[b|phantom]", tr.worker("a"), tr.worker("b"))

	for i := 0; i < 2; i++ {
		_, err := e.Run(context.Background(), NewContext(nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "ghost, phantom")
	}
	assert.Empty(t, tr.trace(), "nothing runs when resolution fails")
}

func TestExecutorResult(t *testing.T) {
	t.Parallel()
	query := NewKey[string]("query")
	echo := &funcWorker{name: "echo", keys: []string{query.Name(), ResultKey.Name()},
		run: func(_ context.Context, s *Scope) error {
			q, err := Require(s, query)
			if err != nil {
				return err
			}
			Set(s, ResultKey, "you said: "+q)
			return nil
		}}
	e := newExecutor(t, "result", "echo", echo)

	pc := NewContext(nil)
	Put(pc, query, "hello")
	res, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, "you said: hello", res)

	_, err = e.Run(context.Background(), NewContext(nil))
	assert.ErrorIs(t, err, ErrConfig, "a missing required key is a configuration error")
}

func TestExecutorUndeclaredKey(t *testing.T) {
	t.Parallel()
	secret := NewKey[int]("secret")
	sneaky := &funcWorker{name: "sneaky", run: func(_ context.Context, s *Scope) error {
		Set(s, secret, 42)
		return nil
	}}
	e := newExecutor(t, "undeclared", "sneaky", sneaky)

	pc := NewContext(nil)
	_, err := e.Run(context.Background(), pc)
	require.ErrorIs(t, err, ErrConfig)
	assert.False(t, pc.Has("secret"))
}

func TestExecutorUpdateIsAtomicAcrossChains(t *testing.T) {
	t.Parallel()
	counter := NewKey[int]("counter")
	var workers []Worker
	names := []string{"w0", "w1", "w2", "w3", "w4", "w5"}
	for _, n := range names {
		workers = append(workers, &funcWorker{name: n, keys: []string{counter.Name()},
			run: func(_ context.Context, s *Scope) error {
				assert.True(t, s.Concurrent())
				for i := 0; i < 100; i++ {
					Update(s, counter, func(v int) int { return v + 1 })
				}
				return nil
			}})
	}
	e := newExecutor(t, "update", "[w0|w1|w2|w3|w4|w5]", workers...)

	pc := NewContext(nil)
	_, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	got, _ := Lookup(pc, counter)
	assert.Equal(t, 600, got)
}

func TestExecutorWorkerErrorAndPanic(t *testing.T) {
	t.Parallel()
	boom := &funcWorker{name: "boom", run: func(context.Context, *Scope) error {
		return errors.New("boom")
	}}
	e := newExecutor(t, "error", "boom", boom)
	_, err := e.Run(context.Background(), NewContext(nil))
	require.EqualError(t, err, "worker boom: boom")

	bad := &funcWorker{name: "bad", run: func(context.Context, *Scope) error { panic("oops") }}
	e = newExecutor(t, "panic", "bad", bad)
	_, err = e.Run(context.Background(), NewContext(nil))
	require.ErrorIs(t, err, errWorkerPanic)
}

func TestExecutorTiming(t *testing.T) {
	t.Parallel()
	tr := &tracer{}
	e := newExecutor(t, "timed", "a", tr.worker("a"))
	_, err := e.Run(context.Background(), NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineRuns.WithLabelValues("timed", "ok")))
	assert.Equal(t, []string{"a"}, tr.trace())
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.PipelineDuration), 1)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	ctor := func() (Worker, error) { return &funcWorker{name: "x"}, nil }
	require.NoError(t, reg.Register("x", ctor))
	assert.ErrorIs(t, reg.Register("x", ctor), ErrConfig)
	assert.Equal(t, []string{"x"}, reg.Names())

	reg.Register("broken", func() (Worker, error) { return nil, errors.New("bad option") })
	_, err := reg.Build("broken")
	assert.ErrorIs(t, err, ErrConfig)
}
