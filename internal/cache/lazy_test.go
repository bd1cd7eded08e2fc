package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploykit/deployd/internal/clock"
)

func TestLazyFutureRunsProducerOnce(t *testing.T) {
	var runs atomic.Int64

	future := NewLazyFuture(func(_ context.Context) (int, error) {
		runs.Add(1)
		time.Sleep(10 * time.Millisecond)

		return 7, nil
	})

	const callers = 32

	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			value, err := future.Value(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 7, value)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), runs.Load())
}

func TestLazyFutureStaysFailed(t *testing.T) {
	boom := errors.New("boom")
	var runs atomic.Int64

	future := NewLazyFuture(func(_ context.Context) (int, error) {
		runs.Add(1)

		return 0, boom
	})

	_, err := future.Value(context.Background())
	require.ErrorIs(t, err, boom)

	_, err = future.Value(context.Background())
	require.ErrorIs(t, err, boom, "a failed future stays failed")
	assert.Equal(t, int64(1), runs.Load())
}

func TestLazyFuturePeek(t *testing.T) {
	release := make(chan struct{})
	future := NewLazyFuture(func(_ context.Context) (string, error) {
		<-release

		return "done", nil
	})

	_, _, ok := future.Peek()
	assert.False(t, ok, "peek before first Value call")

	go future.Value(context.Background())
	close(release)

	assert.Eventually(t, func() bool {
		_, _, ok := future.Peek()

		return ok
	}, time.Second, time.Millisecond)

	value, err, ok := future.Peek()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestLazyFutureWaiterCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	future := NewLazyFuture(func(_ context.Context) (int, error) {
		<-release

		return 1, nil
	})

	go future.Value(context.Background())

	// Wait for the producer to claim the run.
	assert.Eventually(t, func() bool { return future.started.Load() }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := future.Value(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetOrComputeDeduplicates(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	m := NewVolatileMap[*LazyFuture[int]](clk)

	var runs atomic.Int64

	const callers = 16

	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			value, err := GetOrCompute(context.Background(), m, "k", time.Minute, func(_ context.Context) (int, error) {
				runs.Add(1)
				time.Sleep(5 * time.Millisecond)

				return 9, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 9, value)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), runs.Load(), "producer runs exactly once per TTL epoch")
}

func TestGetOrComputeInvalidatesOnFailure(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	m := NewVolatileMap[*LazyFuture[int]](clk)

	boom := errors.New("boom")
	var runs atomic.Int64

	_, err := GetOrCompute(context.Background(), m, "k", time.Minute, func(_ context.Context) (int, error) {
		runs.Add(1)

		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	value, err := GetOrCompute(context.Background(), m, "k", time.Minute, func(_ context.Context) (int, error) {
		runs.Add(1)

		return 5, nil
	})
	require.NoError(t, err, "failure is invalidated so the next caller retries")
	assert.Equal(t, 5, value)
	assert.Equal(t, int64(2), runs.Load())
}

func TestGetOrComputeExpiryRefreshes(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	m := NewVolatileMap[*LazyFuture[int]](clk)

	var runs atomic.Int64
	producer := func(_ context.Context) (int, error) {
		return int(runs.Add(1)), nil
	}

	first, err := GetOrCompute(context.Background(), m, "k", time.Minute, producer)
	require.NoError(t, err)

	second, err := GetOrCompute(context.Background(), m, "k", time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, first, second, "cache hit within the TTL")

	clk.Advance(2 * time.Minute)

	third, err := GetOrCompute(context.Background(), m, "k", time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, first+1, third, "expiry spawns a fresh producer run")
}
