package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/formscout/pkg/models"
)

const taskColumns = `id, tenant_id, user_id, session_id, agent_id, task_type, parameters,
	status, result, error, created_at, assigned_at, completed_at`

// TaskService manages the durable agent task rows. The per-user queue holds
// only pointer envelopes; these rows are authoritative.
type TaskService struct {
	db *sql.DB
}

// NewTaskService creates a new TaskService
func NewTaskService(db *sql.DB) *TaskService {
	return &TaskService{db: db}
}

// Create persists a pending task row and returns it with its generated ID.
func (s *TaskService) Create(httpCtx context.Context, task *models.AgentTask) (*models.AgentTask, error) {
	if task.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if task.UserID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if task.TaskType == "" {
		return nil, NewValidationError("task_type", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.New().String()
	params := task.Parameters
	if len(params) == 0 {
		params = []byte("{}")
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO agent_tasks (id, tenant_id, user_id, session_id, task_type, parameters, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+taskColumns,
		id, task.TenantID, task.UserID, task.SessionID, task.TaskType, []byte(params), models.TaskStatusPending)
	created, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent task: %w", err)
	}
	return created, nil
}

// Get retrieves a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*models.AgentTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent task: %w", err)
	}
	return task, nil
}

// Assign records that an agent claimed the task at poll time. Only a
// pending task can be assigned; anything else means the poll raced a sweep
// or a duplicate delivery, and the claim is refused.
func (s *TaskService) Assign(ctx context.Context, taskID, agentID string) (*models.AgentTask, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE agent_tasks SET status = $1, agent_id = $2, assigned_at = now()
		 WHERE id = $3 AND status = $4
		 RETURNING `+taskColumns,
		models.TaskStatusAssigned, agentID, taskID, models.TaskStatusPending)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to claim agent task: %w", err)
	}
	return task, nil
}

// MarkRunning moves an assigned task to running once its owner reports
// progress. Only the assigned agent may do this; a report for a task in any
// other state returns ErrNotFound and the row is untouched.
func (s *TaskService) MarkRunning(ctx context.Context, taskID, agentID string) (*models.AgentTask, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE agent_tasks SET status = $1
		 WHERE id = $2 AND agent_id = $3 AND status = $4
		 RETURNING `+taskColumns,
		models.TaskStatusRunning, taskID, agentID, models.TaskStatusAssigned)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to mark agent task running: %w", err)
	}
	return task, nil
}

// Complete writes the agent's result. Idempotent: a second completion of the
// same task is ignored and the stored row returned with applied=false.
func (s *TaskService) Complete(httpCtx context.Context, req models.TaskResultRequest) (*models.AgentTask, bool, error) {
	if req.TaskID == "" {
		return nil, false, NewValidationError("task_id", "required")
	}
	if req.Status != models.TaskStatusCompleted && req.Status != models.TaskStatusFailed {
		return nil, false, NewValidationError("status", "must be completed or failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result any
	if len(req.Result) > 0 {
		result = []byte(req.Result)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE agent_tasks SET status = $1, result = $2, error = $3, completed_at = now()
		 WHERE id = $4 AND status NOT IN ($5, $6)
		 RETURNING `+taskColumns,
		req.Status, result, req.Error, req.TaskID, models.TaskStatusCompleted, models.TaskStatusFailed)
	task, err := scanTask(row)
	if err == nil {
		return task, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to complete agent task: %w", err)
	}

	// No row updated: either unknown, or already terminal (duplicate report).
	task, err = s.Get(ctx, req.TaskID)
	if err != nil {
		return nil, false, err
	}
	return task, false, nil
}

// ListBySession returns a session's tasks in creation order.
func (s *TaskService) ListBySession(ctx context.Context, sessionID string) ([]*models.AgentTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.AgentTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// FailOrphaned fails non-terminal tasks created before the cutoff. Run at
// boot: queue entries for these tasks died with the previous process, so the
// rows would otherwise hang forever.
func (s *TaskService) FailOrphaned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = $1, error = 'orphaned by server restart', completed_at = now()
		 WHERE status IN ($2, $3, $4) AND created_at < $5`,
		models.TaskStatusFailed, models.TaskStatusPending, models.TaskStatusAssigned,
		models.TaskStatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count orphaned tasks: %w", err)
	}
	return n, nil
}

func scanTask(row rowScanner) (*models.AgentTask, error) {
	var (
		t      models.AgentTask
		params []byte
		result []byte
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.UserID, &t.SessionID, &t.AgentID, &t.TaskType,
		&params, &t.Status, &result, &t.Error, &t.CreatedAt, &t.AssignedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Parameters = params
	t.Result = result
	return &t, nil
}
