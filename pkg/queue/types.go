// Package queue is the work-distribution fabric: per-user FIFO lists for
// agent tasks and shared named lists for background work, both on Redis.
// Queue entries are compact pointer envelopes; the durable record is the
// Postgres row.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/formscout/formscout/pkg/models"
)

var (
	// ErrNoTasksAvailable is returned by a pop on an empty queue.
	ErrNoTasksAvailable = errors.New("no tasks available")
)

// TaskExecutor runs one background task envelope. Implementations convert
// every failure into a structured intake result; an error return here means
// the executor itself broke, not the task.
type TaskExecutor interface {
	Execute(ctx context.Context, env *models.BackgroundTaskEnvelope) error
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Class          string       `json:"class"`
	Status         WorkerStatus `json:"status"`
	CurrentTask    string       `json:"current_task,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// PoolHealth is the pool-level snapshot exposed by the readiness endpoint.
type PoolHealth struct {
	IsHealthy     bool             `json:"is_healthy"`
	StoreHealthy  bool             `json:"store_healthy"`
	StoreError    string           `json:"store_error,omitempty"`
	PodID         string           `json:"pod_id"`
	ActiveWorkers int              `json:"active_workers"`
	TotalWorkers  int              `json:"total_workers"`
	QueueDepths   map[string]int64 `json:"queue_depths"`
	WorkerStats   []WorkerHealth   `json:"worker_stats"`
}
