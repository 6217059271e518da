package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/models"
)

// Store is the fast-store subset the fabric uses. A store outage fails the
// affected call loudly; there is no local fallback queue.
type Store interface {
	Push(ctx context.Context, queue string, payload []byte) error
	Pop(ctx context.Context, queue string) ([]byte, error)
	QueueLen(ctx context.Context, queue string) (int64, error)
}

// AgentQueue names the per-user FIFO list. Only the agent owned by that
// user may pop from it.
func AgentQueue(userID string) string {
	return "agent:" + userID
}

// WorkerQueue names a shared background queue consumed by one worker class.
func WorkerQueue(class string) string {
	return "worker:" + class
}

// ClassFor routes a background task to its worker class: mapper owns the
// step-planning AI calls, runner owns the visual verifications, forms owns
// persistence and log fan-out.
func ClassFor(task models.BackgroundTaskName) string {
	switch task {
	case models.TaskVerifyUIVisual, models.TaskVerifyPageVisual, models.TaskVerifyDynamicStep:
		return config.WorkerClassRunner
	case models.TaskSaveMappingResult, models.TaskIngestLogBundle:
		return config.WorkerClassForms
	default:
		return config.WorkerClassMapper
	}
}

// Fabric pushes and pops task envelopes.
type Fabric struct {
	store Store
}

// NewFabric wraps the fast store.
func NewFabric(store Store) *Fabric {
	return &Fabric{store: store}
}

// EnqueueAgentTask appends one pointer envelope to the owning user's queue.
// Push order is dispatch order.
func (f *Fabric) EnqueueAgentTask(ctx context.Context, userID string, env *models.AgentTaskEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal agent task envelope: %w", err)
	}
	return f.store.Push(ctx, AgentQueue(userID), payload)
}

// PopAgentTask removes the head of the user's queue, or ErrNoTasksAvailable.
func (f *Fabric) PopAgentTask(ctx context.Context, userID string) (*models.AgentTaskEnvelope, error) {
	payload, err := f.store.Pop(ctx, AgentQueue(userID))
	if errors.Is(err, faststore.ErrEmpty) {
		return nil, ErrNoTasksAvailable
	}
	if err != nil {
		return nil, err
	}
	var env models.AgentTaskEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("corrupt agent task envelope: %w", err)
	}
	return &env, nil
}

// EnqueueBackground routes a background envelope to its class queue and
// stamps the dispatch time.
func (f *Fabric) EnqueueBackground(ctx context.Context, env *models.BackgroundTaskEnvelope) error {
	if env.DispatchedAt.IsZero() {
		env.DispatchedAt = time.Now()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal background task envelope: %w", err)
	}
	return f.store.Push(ctx, WorkerQueue(ClassFor(env.TaskName)), payload)
}

// PopBackground removes the head of a class queue, or ErrNoTasksAvailable.
func (f *Fabric) PopBackground(ctx context.Context, class string) (*models.BackgroundTaskEnvelope, error) {
	payload, err := f.store.Pop(ctx, WorkerQueue(class))
	if errors.Is(err, faststore.ErrEmpty) {
		return nil, ErrNoTasksAvailable
	}
	if err != nil {
		return nil, err
	}
	var env models.BackgroundTaskEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("corrupt background task envelope: %w", err)
	}
	return &env, nil
}

// Depth returns the current length of a class queue.
func (f *Fabric) Depth(ctx context.Context, class string) (int64, error) {
	return f.store.QueueLen(ctx, WorkerQueue(class))
}

var _ Store = (*faststore.Client)(nil)
