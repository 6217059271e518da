package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/formscout/formscout/pkg/config"
)

// Worker is a single background worker polling one class queue.
type Worker struct {
	id       string
	class    string
	podID    string
	fabric   *Fabric
	config   *config.QueueConfig
	executor TaskExecutor
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentTask    string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a worker for one class queue.
func NewWorker(id, class, podID string, fabric *Fabric, cfg *config.QueueConfig, executor TaskExecutor) *Worker {
	return &Worker{
		id:           id,
		class:        class,
		podID:        podID,
		fabric:       fabric,
		config:       cfg,
		executor:     executor,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the in-flight task to
// finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Class:          w.class,
		Status:         w.status,
		CurrentTask:    w.currentTask,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "class", w.class, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) pollAndProcess(ctx context.Context) error {
	env, err := w.fabric.PopBackground(ctx, w.class)
	if err != nil {
		return err
	}

	log := slog.With("worker_id", w.id,
		"session_id", env.SessionID,
		"task_name", env.TaskName,
		"version_snapshot", env.VersionSnapshot)
	log.Info("Task claimed")

	w.setStatus(WorkerStatusWorking, string(env.TaskName))
	defer w.setStatus(WorkerStatusIdle, "")

	taskCtx, cancel := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancel()

	if err := w.executor.Execute(taskCtx, env); err != nil {
		log.Error("Task execution failed", "error", err)
		return nil // executor failures are terminal for the task, not the worker
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task complete")
	return nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, task string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTask = task
	w.lastActivity = time.Now()
}
