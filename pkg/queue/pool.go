package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/formscout/formscout/pkg/config"
)

// WorkerPool runs the configured worker goroutines for every class.
type WorkerPool struct {
	podID     string
	fabric    *Fabric
	config    *config.QueueConfig
	executors map[string]TaskExecutor // class → executor
	workers   []*Worker
	started   bool
	mu        sync.Mutex
}

// NewWorkerPool creates the pool. executors maps each worker class to the
// TaskExecutor that runs its tasks; classes without an entry are skipped.
func NewWorkerPool(podID string, fabric *Fabric, cfg *config.QueueConfig, executors map[string]TaskExecutor) *WorkerPool {
	return &WorkerPool{
		podID:     podID,
		fabric:    fabric,
		config:    cfg,
		executors: executors,
	}
}

// Start spawns the per-class worker goroutines. Safe to call multiple
// times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	for class, count := range p.config.Workers {
		executor, ok := p.executors[class]
		if !ok {
			slog.Warn("No executor registered for worker class, skipping", "class", class)
			continue
		}
		for i := 0; i < count; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", p.podID, class, i)
			worker := NewWorker(workerID, class, p.podID, p.fabric, p.config, executor)
			p.workers = append(p.workers, worker)
			worker.Start(ctx)
		}
	}

	slog.Info("Worker pool started", "pod_id", p.podID, "workers", len(p.workers))
	return nil
}

// Stop signals every worker to stop and waits. Workers finish their
// in-flight task before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)
	for _, worker := range p.workers {
		worker.Stop()
	}
	slog.Info("Worker pool stopped gracefully")
}

// Health returns a pool snapshot including queue depths for every class.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	depths := make(map[string]int64, len(p.config.Workers))
	storeHealthy := true
	var storeErr string
	for class := range p.config.Workers {
		depth, err := p.fabric.Depth(ctx, class)
		if err != nil {
			storeHealthy = false
			storeErr = err.Error()
			continue
		}
		depths[class] = depth
	}

	stats := make([]WorkerHealth, len(p.workers))
	active := 0
	for i, worker := range p.workers {
		stats[i] = worker.Health()
		if stats[i].Status == WorkerStatusWorking {
			active++
		}
	}

	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0 && storeHealthy,
		StoreHealthy:  storeHealthy,
		StoreError:    storeErr,
		PodID:         p.podID,
		ActiveWorkers: active,
		TotalWorkers:  len(p.workers),
		QueueDepths:   depths,
		WorkerStats:   stats,
	}
}
