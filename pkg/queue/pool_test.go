package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
)

func poolConfig(workers map[string]int) *config.QueueConfig {
	return &config.QueueConfig{
		Workers:            workers,
		PollInterval:       5 * time.Millisecond,
		PollIntervalJitter: 0,
		TaskTimeout:        time.Second,
	}
}

func TestPoolSkipsClassWithoutExecutor(t *testing.T) {
	fabric := NewFabric(newFakeStore())
	executor := executorFunc(func(context.Context, *models.BackgroundTaskEnvelope) error { return nil })

	pool := NewWorkerPool("pod-test", fabric, poolConfig(map[string]int{
		config.WorkerClassMapper: 2,
		config.WorkerClassRunner: 1,
	}), map[string]TaskExecutor{
		config.WorkerClassMapper: executor,
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	health := pool.Health(context.Background())
	assert.Equal(t, 2, health.TotalWorkers)
	assert.True(t, health.IsHealthy)
}

func TestPoolStartIsIdempotent(t *testing.T) {
	fabric := NewFabric(newFakeStore())
	executor := executorFunc(func(context.Context, *models.BackgroundTaskEnvelope) error { return nil })

	pool := NewWorkerPool("pod-test", fabric, poolConfig(map[string]int{
		config.WorkerClassForms: 1,
	}), map[string]TaskExecutor{
		config.WorkerClassForms: executor,
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	assert.Equal(t, 1, pool.Health(context.Background()).TotalWorkers)
}

func TestPoolHealthReportsQueueDepths(t *testing.T) {
	fabric := NewFabric(newFakeStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, fabric.EnqueueBackground(ctx, &models.BackgroundTaskEnvelope{
			TaskName:  models.TaskAnalyzeFormPage,
			SessionID: "sess-1",
		}))
	}

	// No workers started, so nothing drains the queue.
	pool := NewWorkerPool("pod-test", fabric, poolConfig(map[string]int{
		config.WorkerClassMapper: 1,
	}), nil)

	health := pool.Health(ctx)
	assert.False(t, health.IsHealthy)
	assert.True(t, health.StoreHealthy)
	assert.Equal(t, int64(3), health.QueueDepths[config.WorkerClassMapper])
}

// An executor error fails the task, not the worker: the loop keeps draining.
func TestPoolSurvivesExecutorFailure(t *testing.T) {
	fabric := NewFabric(newFakeStore())
	ctx := context.Background()

	var calls atomic.Int32
	executor := executorFunc(func(_ context.Context, env *models.BackgroundTaskEnvelope) error {
		if calls.Add(1) == 1 {
			return errors.New("model unavailable")
		}
		return nil
	})

	pool := NewWorkerPool("pod-test", fabric, poolConfig(map[string]int{
		config.WorkerClassMapper: 1,
	}), map[string]TaskExecutor{
		config.WorkerClassMapper: executor,
	})
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	for _, id := range []string{"sess-1", "sess-2"} {
		require.NoError(t, fabric.EnqueueBackground(ctx, &models.BackgroundTaskEnvelope{
			TaskName:  models.TaskAnalyzeFormPage,
			SessionID: id,
		}))
	}

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 2*time.Second, 10*time.Millisecond, "worker stopped after executor error")
}

func TestPoolStopWaitsForInflightTask(t *testing.T) {
	fabric := NewFabric(newFakeStore())
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	executor := executorFunc(func(_ context.Context, env *models.BackgroundTaskEnvelope) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	pool := NewWorkerPool("pod-test", fabric, poolConfig(map[string]int{
		config.WorkerClassMapper: 1,
	}), map[string]TaskExecutor{
		config.WorkerClassMapper: executor,
	})
	require.NoError(t, pool.Start(ctx))

	require.NoError(t, fabric.EnqueueBackground(ctx, &models.BackgroundTaskEnvelope{
		TaskName:  models.TaskAnalyzeFormPage,
		SessionID: "sess-1",
	}))

	<-started
	pool.Stop()
	assert.True(t, finished.Load(), "Stop returned before the in-flight task finished")
}
