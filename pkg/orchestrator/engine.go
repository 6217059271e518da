package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/services"
)

// casAttempts bounds the read-modify-write retry loop. Conflicts are rare
// (two results for one session racing) so three attempts is plenty.
const casAttempts = 3

// SessionStore is the fast-store surface the engine needs.
type SessionStore interface {
	LoadSession(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	SaveSession(ctx context.Context, rec *models.SessionRecord, expectedVersion int64, ttl time.Duration) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// SessionsRepo writes the durable session row.
type SessionsRepo interface {
	UpdateStatus(ctx context.Context, id string, status models.SessionStatus, failureCode, failureText string) error
	SetDashboardURL(ctx context.Context, id, dashboardURL string) error
}

// TaskWriter creates durable agent task rows.
type TaskWriter interface {
	Create(ctx context.Context, task *models.AgentTask) (*models.AgentTask, error)
}

// RouteSource fetches the form route a session maps.
type RouteSource interface {
	Get(ctx context.Context, id string) (*models.FormRoute, error)
}

// Dispatcher pushes task envelopes onto their queues.
type Dispatcher interface {
	EnqueueAgentTask(ctx context.Context, userID string, env *models.AgentTaskEnvelope) error
	EnqueueBackground(ctx context.Context, env *models.BackgroundTaskEnvelope) error
}

// Publisher emits best-effort progress events. Implementations must not
// block intake.
type Publisher interface {
	PublishProgress(ctx context.Context, rec *models.SessionRecord)
}

// Notifier announces terminal sessions on an external channel.
// Implementations are fail-open; delivery problems never surface here.
type Notifier interface {
	NotifySessionTerminal(ctx context.Context, sessionID string, status models.SessionStatus, failureCode, failureText string)
}

// Engine serializes all writes to a session record through the version CAS
// and turns machine directives into queue pushes and durable writes.
type Engine struct {
	machine  *Machine
	store    SessionStore
	sessions SessionsRepo
	tasks    TaskWriter
	routes   RouteSource
	queues   Dispatcher
	events   Publisher
	notify   Notifier
	ttl      time.Duration
}

// NewEngine wires the orchestrator. events may be nil when progress
// publishing is disabled.
func NewEngine(cfg *config.SessionConfig, store SessionStore, sessions SessionsRepo, tasks TaskWriter, routes RouteSource, queues Dispatcher, events Publisher) *Engine {
	return &Engine{
		machine:  NewMachine(cfg),
		store:    store,
		sessions: sessions,
		tasks:    tasks,
		routes:   routes,
		queues:   queues,
		events:   events,
		ttl:      cfg.TTL,
	}
}

// SetNotifier attaches an optional terminal-session notifier.
func (e *Engine) SetNotifier(n Notifier) {
	e.notify = n
}

// Start creates the fast-store record for a new session and dispatches the
// first task. The durable row must already exist; its status moves to
// in_progress here.
func (e *Engine) Start(ctx context.Context, sess *models.MappingSession, login *models.LoginParams) error {
	rec := &models.SessionRecord{
		SessionID:    sess.ID,
		TenantID:     sess.TenantID,
		UserID:       sess.UserID,
		ActivityType: sess.ActivityType,
		TestCaseText: sess.TestCaseText,
		BaseURL:      sess.BaseURL,
		Version:      1,
	}
	if sess.FormRouteID != nil {
		rec.FormRouteID = *sess.FormRouteID
	}

	route, err := e.route(ctx, rec)
	if err != nil {
		return err
	}

	directives := e.machine.Start(rec, route, login)
	if err := e.store.SaveSession(ctx, rec, 0, e.ttl); err != nil {
		return fmt.Errorf("failed to seed session record: %w", err)
	}
	if err := e.sessions.UpdateStatus(ctx, rec.SessionID, models.SessionStatusInProgress, "", ""); err != nil {
		return fmt.Errorf("failed to mark session in progress: %w", err)
	}
	if err := e.run(ctx, rec, directives); err != nil {
		return err
	}
	e.publish(ctx, rec)
	return nil
}

// Intake feeds one event through the machine under the CAS. Stale or
// mistimed events are dropped without error; only infrastructure failures
// come back to the caller.
func (e *Engine) Intake(ctx context.Context, sessionID string, in Input) error {
	log := slog.With("session_id", sessionID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := e.store.LoadSession(ctx, sessionID)
		if errors.Is(err, faststore.ErrNotFound) {
			log.Warn("Dropping event for unknown or expired session", "kind", in.Kind)
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State.Terminal() {
			log.Debug("Dropping event for terminal session", "kind", in.Kind, "state", rec.State)
			return nil
		}
		if in.Kind == InputBackgroundResult && in.VersionSnapshot < rec.Version {
			log.Warn("Discarding stale background result",
				"task_name", in.TaskName,
				"snapshot", in.VersionSnapshot,
				"version", rec.Version)
			return nil
		}

		route, err := e.route(ctx, rec)
		if err != nil {
			return err
		}

		expected := rec.Version
		rec.Version = expected + 1
		directives, applied := e.machine.Step(rec, route, in)
		if !applied {
			log.Debug("Event not applicable in current state", "kind", in.Kind, "state", rec.State)
			return nil
		}

		err = e.store.SaveSession(ctx, rec, expected, e.ttl)
		if errors.Is(err, faststore.ErrVersionConflict) {
			log.Debug("Version conflict on session write, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return err
		}

		if err := e.run(ctx, rec, directives); err != nil {
			return err
		}
		e.publish(ctx, rec)
		return nil
	}
	return fmt.Errorf("session %s: gave up after %d version conflicts", sessionID, casAttempts)
}

// Cancel moves a session to cancelled through the same intake path, so a
// racing result cannot resurrect it.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	return e.Intake(ctx, sessionID, Input{Kind: InputCancel})
}

func (e *Engine) route(ctx context.Context, rec *models.SessionRecord) (*models.FormRoute, error) {
	if rec.FormRouteID == "" {
		return nil, nil
	}
	route, err := e.routes.Get(ctx, rec.FormRouteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load form route %s: %w", rec.FormRouteID, err)
	}
	return route, nil
}

// run executes directives after the record write committed. Queue pushes
// for the session whose write just landed must not be reordered before it.
func (e *Engine) run(ctx context.Context, rec *models.SessionRecord, directives []Directive) error {
	for _, d := range directives {
		switch {
		case d.AgentTask != nil:
			if err := e.dispatchAgentTask(ctx, rec, d.AgentTask); err != nil {
				return err
			}
		case d.Background != nil:
			if err := e.dispatchBackground(ctx, rec, d.Background); err != nil {
				return err
			}
		case d.Finalize != nil:
			if err := e.finalize(ctx, rec, d.Finalize); err != nil {
				return err
			}
		case d.SetDashboardURL != "":
			if err := e.sessions.SetDashboardURL(ctx, rec.SessionID, d.SetDashboardURL); err != nil {
				return fmt.Errorf("failed to store dashboard url: %w", err)
			}
		}
	}
	return nil
}

func (e *Engine) dispatchAgentTask(ctx context.Context, rec *models.SessionRecord, d *AgentTaskDirective) error {
	params, err := json.Marshal(d.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal task parameters: %w", err)
	}
	task, err := e.tasks.Create(ctx, &models.AgentTask{
		TenantID:   rec.TenantID,
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		TaskType:   d.TaskType,
		Parameters: params,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent task: %w", err)
	}

	env := &models.AgentTaskEnvelope{TaskID: task.ID, TaskType: d.TaskType}
	if d.Delay > 0 {
		e.deferPush(rec.SessionID, d.Delay, func(ctx context.Context) error {
			return e.queues.EnqueueAgentTask(ctx, rec.UserID, env)
		})
		return nil
	}
	if err := e.queues.EnqueueAgentTask(ctx, rec.UserID, env); err != nil {
		return fmt.Errorf("failed to enqueue agent task %s: %w", task.ID, err)
	}
	return nil
}

func (e *Engine) dispatchBackground(ctx context.Context, rec *models.SessionRecord, d *BackgroundDirective) error {
	args, err := json.Marshal(d.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal background args: %w", err)
	}
	env := &models.BackgroundTaskEnvelope{
		TaskName:        d.TaskName,
		SessionID:       rec.SessionID,
		Args:            args,
		VersionSnapshot: rec.Version,
	}
	if d.Delay > 0 {
		e.deferPush(rec.SessionID, d.Delay, func(ctx context.Context) error {
			return e.queues.EnqueueBackground(ctx, env)
		})
		return nil
	}
	if err := e.queues.EnqueueBackground(ctx, env); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", d.TaskName, err)
	}
	return nil
}

// deferPush schedules a queue push after the retry wait. The push runs on
// its own context: the HTTP request that triggered it is long gone by then.
func (e *Engine) deferPush(sessionID string, delay time.Duration, push func(context.Context) error) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := push(ctx); err != nil {
			slog.Error("Deferred queue push failed", "session_id", sessionID, "error", err)
		}
	})
}

func (e *Engine) finalize(ctx context.Context, rec *models.SessionRecord, d *FinalizeDirective) error {
	err := e.sessions.UpdateStatus(ctx, rec.SessionID, d.Status, d.FailureCode, d.FailureText)
	if errors.Is(err, services.ErrTerminal) {
		// Sweeper or a racing cancel got there first; the row already holds a
		// terminal status.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	slog.Info("Session finalized",
		"session_id", rec.SessionID,
		"status", d.Status,
		"failure_code", d.FailureCode)
	if e.notify != nil {
		e.notify.NotifySessionTerminal(ctx, rec.SessionID, d.Status, d.FailureCode, d.FailureText)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, rec *models.SessionRecord) {
	if e.events == nil {
		return
	}
	e.events.PublishProgress(ctx, rec)
}
