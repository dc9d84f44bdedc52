package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/filehub/engine"
)

func TestWorkerPool_SetWorkerCount(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "execution", CoreWorkers: 2, MaxWorkers: 8, QueueSize: 10})
	defer pool.Stop()

	if count := pool.WorkerCount(); count != 2 {
		t.Errorf("Expected 2 core workers, got %d", count)
	}

	pool.SetWorkerCount(5)
	if count := pool.WorkerCount(); count != 5 {
		t.Errorf("Expected 5 workers, got %d", count)
	}

	pool.SetWorkerCount(1)
	if count := pool.WorkerCount(); count != 1 {
		t.Errorf("Expected 1 worker, got %d", count)
	}
}

func TestWorkerPool_Execution(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "flow", CoreWorkers: 3, MaxWorkers: 3, QueueSize: 20})
	defer pool.Stop()

	var processed atomic.Int32
	var dones []<-chan error
	for i := 0; i < 10; i++ {
		done, err := pool.Submit(engine.Job{Name: "list", Run: func(ctx context.Context) error {
			processed.Add(1)
			time.Sleep(5 * time.Millisecond)
			return nil
		}})
		require.NoError(t, err)
		dones = append(dones, done)
	}

	for _, done := range dones {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("job did not complete")
		}
	}
	assert.Equal(t, int32(10), processed.Load())
}

func TestWorkerPool_QueueFullIsBackpressure(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "monitoring", CoreWorkers: 1, MaxWorkers: 1, QueueSize: 2})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := engine.Job{Name: "stall", Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}

	_, err := pool.Submit(blocking)
	require.NoError(t, err)
	<-started

	_, err = pool.Submit(blocking)
	require.NoError(t, err)
	_, err = pool.Submit(blocking)
	require.NoError(t, err)

	_, err = pool.Submit(blocking)
	assert.ErrorIs(t, err, engine.ErrQueueFull, "bounded queue rejects instead of growing")

	close(release)
	pool.Stop()

	_, err = pool.Submit(blocking)
	assert.ErrorIs(t, err, engine.ErrPoolStopped)
}

func TestWorkerPool_ScalesUpUnderLoad(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "execution", CoreWorkers: 1, MaxWorkers: 4, QueueSize: 4})

	release := make(chan struct{})
	var wg sync.WaitGroup
	job := engine.Job{Name: "put", Run: func(ctx context.Context) error {
		<-release
		wg.Done()
		return nil
	}}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		_, err := pool.Submit(job)
		require.NoError(t, err)
	}
	assert.Greater(t, pool.WorkerCount(), 1, "pool should grow beyond core when queue fills")
	assert.LessOrEqual(t, pool.WorkerCount(), 4)

	close(release)
	wg.Wait()
	pool.Stop()
}

func TestWorkerPool_StopFailsQueuedJobs(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "flow", CoreWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	started := make(chan struct{})
	_, err := pool.Submit(engine.Job{Name: "running", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	require.NoError(t, err)
	<-started

	queued, err := pool.Submit(engine.Job{Name: "queued", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	pool.Stop()
	assert.ErrorIs(t, <-queued, engine.ErrPoolStopped)
}

func TestWorkerPool_DoAndPanic(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "execution", CoreWorkers: 1, QueueSize: 2})
	defer pool.Stop()

	err := pool.Do(context.Background(), engine.Job{Name: "ok", Run: func(context.Context) error { return nil }})
	assert.NoError(t, err)

	err = pool.Do(context.Background(), engine.Job{Name: "boom", Run: func(context.Context) error { panic("bad") }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	stats := pool.Stats()
	assert.Equal(t, "execution", stats.Name)
	assert.Equal(t, 0, stats.Active)
}

func TestWorkerPool_DoWaitsForStartedJob(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "execution", CoreWorkers: 1, QueueSize: 2})
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var finished atomic.Bool
	go func() {
		<-started
		cancel()
	}()

	err := pool.Do(ctx, engine.Job{Name: "write", Run: func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}})
	assert.NoError(t, err)
	assert.True(t, finished.Load(), "Do returned before the job it started had finished")
}

func TestWorkerPool_DoSkipsCancelledQueuedJob(t *testing.T) {
	pool := engine.NewWorkerPool(context.Background(), engine.PoolConfig{Name: "execution", CoreWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop()

	release := make(chan struct{})
	busy := make(chan struct{})
	_, err := pool.Submit(engine.Job{Name: "busy", Run: func(context.Context) error {
		close(busy)
		<-release
		return nil
	}})
	require.NoError(t, err)
	<-busy

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	var ran atomic.Bool
	err = pool.Do(ctx, engine.Job{Name: "late", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}
