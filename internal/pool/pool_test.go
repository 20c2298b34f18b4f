package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupWaitsForAll(t *testing.T) {
	t.Parallel()
	p := New(4)
	var done atomic.Int32

	g := p.Group(context.Background())
	for i := 0; i < 3; i++ {
		g.Go(func(context.Context) error {
			time.Sleep(time.Duration(i*10) * time.Millisecond)
			done.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(3), done.Load())
}

func TestGroupReturnsErrorAfterAllFinish(t *testing.T) {
	t.Parallel()
	p := New(2)
	var finished atomic.Bool

	g := p.Group(context.Background())
	g.Go(func(context.Context) error { return errors.New("boom") })
	g.Go(func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.EqualError(t, g.Wait(), "boom")
	assert.True(t, finished.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	p := New(2)
	var cur, peak atomic.Int32

	g := p.Group(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func(context.Context) error {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNestedFanOutDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	p := New(1)
	var leaves atomic.Int32

	outer := p.Group(context.Background())
	outer.Go(func(ctx context.Context) error {
		inner := p.Group(ctx, WithLimit(1))
		for i := 0; i < 3; i++ {
			inner.Go(func(context.Context) error {
				leaves.Add(1)
				return nil
			})
		}
		return inner.Wait()
	})

	done := make(chan error, 1)
	go func() { done <- outer.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested fan-out deadlocked")
	}
	assert.Equal(t, int32(3), leaves.Load())
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	p := New(1)
	g := p.Group(context.Background())
	g.Go(func(context.Context) error { panic("bad worker") })
	err := g.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPanic)
}

func TestMapKeepsOrderAndErrors(t *testing.T) {
	t.Parallel()
	p := New(3)
	items := []int{1, 2, 3, 4}

	start := time.Now()
	results, errs := Map(context.Background(), p, items, func(_ context.Context, n int) (int, error) {
		if n == 3 {
			return 0, errors.New("three")
		}
		return n * n, nil
	}, WithDelay(5*time.Millisecond))

	assert.Equal(t, []int{1, 4, 0, 16}, results)
	assert.NoError(t, errs[0])
	assert.EqualError(t, errs[2], "three")
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
