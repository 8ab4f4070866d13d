package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAtMostNWorkers(t *testing.T) {
	var running, peak, done atomic.Int32
	release := make(chan struct{})
	pool := NewPool(PoolOptions{Workers: 2, QueueSize: 8, Handler: func(ctx context.Context, task *Task) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		done.Add(1)
	}})
	defer pool.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(NewTask("https://x/a.mp4", time.Second, 1)))
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return done.Load() == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(PoolOptions{Workers: 1, QueueSize: 1, Handler: func(ctx context.Context, task *Task) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}})
	defer pool.Close()
	defer close(block)

	require.NoError(t, pool.Submit(NewTask("https://x/1", time.Second, 1)))
	require.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(NewTask("https://x/2", time.Second, 1)))
	assert.ErrorIs(t, pool.Submit(NewTask("https://x/3", time.Second, 1)), ErrQueueFull)
}

func TestPoolContainsPanics(t *testing.T) {
	var ran atomic.Int32
	pool := NewPool(PoolOptions{Workers: 1, QueueSize: 4, Handler: func(ctx context.Context, task *Task) {
		if task.URL == "https://x/boom" {
			panic("boom")
		}
		ran.Add(1)
	}})
	defer pool.Close()

	var finished sync.WaitGroup
	for _, u := range []string{"https://x/boom", "https://x/ok"} {
		task := NewTask(u, time.Second, 1)
		finished.Add(1)
		task.done = finished.Done
		require.NoError(t, pool.Submit(task))
	}
	finished.Wait()
	assert.Equal(t, int32(1), ran.Load())
}

func TestPoolCloseCancelsAndRejects(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	pool := NewPool(PoolOptions{Workers: 1, QueueSize: 4, Handler: func(ctx context.Context, task *Task) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}})

	var dropped atomic.Int32
	require.NoError(t, pool.Submit(NewTask("https://x/1", time.Second, 1)))
	<-started
	queued := NewTask("https://x/2", time.Second, 1)
	queued.done = func() { dropped.Add(1) }
	require.NoError(t, pool.Submit(queued))

	pool.Close()
	pool.Close()

	assert.True(t, cancelled.Load())
	assert.Equal(t, int32(1), dropped.Load())
	assert.ErrorIs(t, pool.Submit(NewTask("https://x/3", time.Second, 1)), ErrPoolClosed)
}
