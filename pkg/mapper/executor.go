// Package mapper runs the AI side of a mapping session: the background
// tasks popped off the worker queues. Every task ends in exactly one intake
// call (a result or a structured failure), except log-bundle ingestion,
// which never touches session state.
package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/formscout/formscout/pkg/budget"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/llm"
	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/orchestrator"
	"github.com/formscout/formscout/pkg/pathing"
)

// Gate is the budget checkpoint in front of every model call.
type Gate interface {
	Check(ctx context.Context, tenantID string) (*budget.Allowance, error)
	RecordUsage(ctx context.Context, allowance *budget.Allowance, inputTokens, outputTokens int64) (float64, error)
	Rollback(ctx context.Context, allowance *budget.Allowance) error
}

// Caller issues one model completion.
type Caller interface {
	Complete(ctx context.Context, apiKey string, req *llm.Request) (*llm.Response, error)
}

// Intake feeds results back into the session state machine.
type Intake interface {
	Intake(ctx context.Context, sessionID string, in orchestrator.Input) error
}

// SessionSource reads the fast-store record a task works against.
type SessionSource interface {
	LoadSession(ctx context.Context, sessionID string) (*models.SessionRecord, error)
}

// RouteStore reads and heals form routes.
type RouteStore interface {
	Get(ctx context.Context, id string) (*models.FormRoute, error)
	SaveHealedStages(ctx context.Context, id string, login, navigation []models.Stage) error
}

// ResultStore commits finished paths.
type ResultStore interface {
	Save(ctx context.Context, result *models.MappingResult) (*models.MappingResult, bool, error)
}

// LogSink fans log entries out to their relational rows.
type LogSink interface {
	InsertBatch(ctx context.Context, tenantID, sessionID, agentID string, entries []models.LogEntry) (int, error)
}

// ObjectFetcher reads and removes parked objects.
type ObjectFetcher interface {
	Fetch(ctx context.Context, tenantID, key string) ([]byte, error)
	Delete(ctx context.Context, tenantID, key string) error
}

// Executor implements queue.TaskExecutor for all worker classes. One
// instance is shared; the class split only partitions the queues.
type Executor struct {
	gate      Gate
	caller    Caller
	intake    Intake
	sessions  SessionSource
	routes    RouteStore
	results   ResultStore
	logs      LogSink
	objects   ObjectFetcher
	evaluator *pathing.Evaluator
}

// NewExecutor wires the task executor.
func NewExecutor(gate Gate, caller Caller, intake Intake, sessions SessionSource, routes RouteStore, results ResultStore, logs LogSink, objects ObjectFetcher, evaluator *pathing.Evaluator) *Executor {
	return &Executor{
		gate:      gate,
		caller:    caller,
		intake:    intake,
		sessions:  sessions,
		routes:    routes,
		results:   results,
		logs:      logs,
		objects:   objects,
		evaluator: evaluator,
	}
}

// Execute runs one envelope. A panic inside a handler becomes a worker_panic
// failure for the session instead of killing the worker.
func (e *Executor) Execute(ctx context.Context, env *models.BackgroundTaskEnvelope) (err error) {
	if env.TaskName == models.TaskIngestLogBundle {
		return e.ingestLogBundle(ctx, env)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker panic recovered",
				"session_id", env.SessionID,
				"task_name", env.TaskName,
				"panic", r)
			err = e.feedFailure(ctx, env, &models.BackgroundFailure{
				Code:    "worker_panic",
				Message: fmt.Sprint(r),
			})
		}
	}()

	rec, err := e.sessions.LoadSession(ctx, env.SessionID)
	if errors.Is(err, faststore.ErrNotFound) {
		slog.Warn("Dropping task for expired session",
			"session_id", env.SessionID, "task_name", env.TaskName)
		return nil
	}
	if err != nil {
		return err
	}

	var route *models.FormRoute
	if rec.FormRouteID != "" {
		route, err = e.routes.Get(ctx, rec.FormRouteID)
		if err != nil {
			return fmt.Errorf("failed to load form route %s: %w", rec.FormRouteID, err)
		}
	}

	result, failure := e.dispatch(ctx, env, rec, route)
	if failure != nil {
		return e.feedFailure(ctx, env, failure)
	}
	return e.feedResult(ctx, env, result)
}

func (e *Executor) dispatch(ctx context.Context, env *models.BackgroundTaskEnvelope, rec *models.SessionRecord, route *models.FormRoute) (any, *models.BackgroundFailure) {
	switch env.TaskName {
	case models.TaskAnalyzeFormPage:
		return e.analyzeFormPage(ctx, env, rec, route)
	case models.TaskRegenerateSteps:
		return e.regenerateSteps(ctx, env, rec, route)
	case models.TaskAnalyzeFailure:
		return e.analyzeFailure(ctx, env, rec)
	case models.TaskVerifyUIVisual, models.TaskVerifyDynamicStep:
		return e.verifyVisual(ctx, env, rec)
	case models.TaskVerifyPageVisual:
		return e.verifyPage(ctx, env, rec, route)
	case models.TaskEvaluatePaths:
		return e.evaluatePaths(rec), nil
	case models.TaskEvaluatePathsWithAI:
		return e.evaluatePathsWithAI(ctx, rec), nil
	case models.TaskSaveMappingResult:
		return e.saveMappingResult(ctx, rec)
	default:
		return nil, &models.BackgroundFailure{
			Code:    "worker_error",
			Message: "unknown task " + string(env.TaskName),
		}
	}
}

// ─────────────────────────────────────────────────────────────
// AI-backed handlers
// ─────────────────────────────────────────────────────────────

func (e *Executor) analyzeFormPage(ctx context.Context, env *models.BackgroundTaskEnvelope, rec *models.SessionRecord, route *models.FormRoute) (any, *models.BackgroundFailure) {
	var args models.AnalyzeFormPageArgs
	if failure := decodeArgs(env, &args); failure != nil {
		return nil, failure
	}
	var plan models.StepPlan
	if failure := e.completeInto(ctx, rec.TenantID, plannerSystem, plannerPrompt(rec, route, args.DOMHTML), &plan); failure != nil {
		return nil, failure
	}
	if len(plan.Steps) == 0 {
		return nil, &models.BackgroundFailure{Code: "ai_parse_error", Message: "planner returned no steps"}
	}
	return &plan, nil
}

func (e *Executor) regenerateSteps(ctx context.Context, env *models.BackgroundTaskEnvelope, rec *models.SessionRecord, route *models.FormRoute) (any, *models.BackgroundFailure) {
	var args models.RegenerateStepsArgs
	if failure := decodeArgs(env, &args); failure != nil {
		return nil, failure
	}
	var plan models.StepPlan
	if failure := e.completeInto(ctx, rec.TenantID, plannerSystem, regeneratePrompt(rec, route, args.DOMHTML), &plan); failure != nil {
		return nil, failure
	}
	if len(plan.Steps) == 0 {
		return nil, &models.BackgroundFailure{Code: "ai_parse_error", Message: "regeneration returned no steps"}
	}
	return &plan, nil
}

func (e *Executor) analyzeFailure(ctx context.Context, env *models.BackgroundTaskEnvelope, rec *models.SessionRecord) (any, *models.BackgroundFailure) {
	var args models.AnalyzeFailureArgs
	if failure := decodeArgs(env, &args); failure != nil {
		return nil, failure
	}
	var decision models.RecoveryDecision
	if failure := e.completeInto(ctx, rec.TenantID, recoverySystem, recoveryPrompt(&args), &decision); failure != nil {
		return nil, failure
	}
	return &decision, nil
}

func (e *Executor) verifyVisual(ctx context.Context, env *models.BackgroundTaskEnvelope, rec *models.SessionRecord) (any, *models.BackgroundFailure) {
	var args models.VerifyVisualArgs
	if failure := decodeArgs(env, &args); failure != nil {
		return nil, failure
	}
	var report models.VisualCheckReport
	if failure := e.completeInto(ctx, rec.TenantID, visualSystem, visualPrompt(rec, &args), &report); failure != nil {
		return nil, failure
	}
	return &report, nil
}

func (e *Executor) verifyPage(ctx context.Context, env *models.BackgroundTaskEnvelope, rec *models.SessionRecord, route *models.FormRoute) (any, *models.BackgroundFailure) {
	var args models.VerifyVisualArgs
	if failure := decodeArgs(env, &args); failure != nil {
		return nil, failure
	}
	var report models.PageVerifyReport
	if failure := e.completeInto(ctx, rec.TenantID, pageVerifySystem, pageVerifyPrompt(rec, route), &report); failure != nil {
		return nil, failure
	}
	return &report, nil
}

// completeInto runs the gated model call and decodes the response. The
// returned failure carries the session-level verdict: budget_exceeded,
// ai_overloaded, ai_parse_error, or worker_error.
func (e *Executor) completeInto(ctx context.Context, tenantID, system, prompt string, dst any) *models.BackgroundFailure {
	allowance, err := e.gate.Check(ctx, tenantID)
	if err != nil {
		var denied *budget.AccessDeniedError
		var exceeded *budget.BudgetExceededError
		if errors.As(err, &denied) || errors.As(err, &exceeded) {
			return &models.BackgroundFailure{Code: "budget_exceeded", Message: err.Error()}
		}
		return &models.BackgroundFailure{Code: "worker_error", Message: err.Error()}
	}

	resp, err := e.caller.Complete(ctx, allowance.APIKey, &llm.Request{System: system, Prompt: prompt})
	if err != nil {
		if rbErr := e.gate.Rollback(ctx, allowance); rbErr != nil {
			slog.Error("Failed to roll back budget reservation", "tenant_id", tenantID, "error", rbErr)
		}
		if errors.Is(err, llm.ErrOverloaded) {
			return &models.BackgroundFailure{Code: "ai_overloaded", Message: err.Error()}
		}
		return &models.BackgroundFailure{Code: "worker_error", Message: err.Error()}
	}

	if _, err := e.gate.RecordUsage(ctx, allowance, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
		slog.Error("Failed to record AI usage", "tenant_id", tenantID, "error", err)
	}

	if err := parseModelJSON(resp.Text, dst); err != nil {
		return &models.BackgroundFailure{Code: "ai_parse_error", Message: err.Error()}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────
// Non-AI handlers
// ─────────────────────────────────────────────────────────────

func (e *Executor) evaluatePaths(rec *models.SessionRecord) *models.PathDecision {
	return e.evaluator.Evaluate(rec.PathTracker)
}

// evaluatePathsWithAI lets the model review the rule-based decision. The
// evaluator stays authoritative: any model trouble falls back to its
// verdict instead of failing the session.
func (e *Executor) evaluatePathsWithAI(ctx context.Context, rec *models.SessionRecord) *models.PathDecision {
	proposal := e.evaluator.Evaluate(rec.PathTracker)

	var reviewed models.PathDecision
	failure := e.completeInto(ctx, rec.TenantID, pathReviewSystem,
		pathReviewPrompt(rec.PathTracker, proposal), &reviewed)
	if failure != nil {
		slog.Warn("Path review unavailable, using rule-based decision",
			"session_id", rec.SessionID, "code", failure.Code)
		return proposal
	}
	if !reviewed.Done && reviewed.Next == nil {
		return proposal
	}
	return &reviewed
}

func (e *Executor) saveMappingResult(ctx context.Context, rec *models.SessionRecord) (any, *models.BackgroundFailure) {
	if rec.StagesUpdated {
		if err := e.routes.SaveHealedStages(ctx, rec.FormRouteID, rec.HealedLoginStages, rec.HealedNavStages); err != nil {
			return nil, &models.BackgroundFailure{Code: "worker_error", Message: "failed to save healed stages: " + err.Error()}
		}
	}

	saved, created, err := e.results.Save(ctx, &models.MappingResult{
		FormRouteID:    rec.FormRouteID,
		SessionID:      rec.SessionID,
		PathNumber:     rec.PathNumber,
		Steps:          rec.ExecutedSteps,
		VerifiedFields: rec.VerifiedFields,
	})
	if err != nil {
		return nil, &models.BackgroundFailure{Code: "worker_error", Message: "failed to save mapping result: " + err.Error()}
	}
	if !created {
		slog.Info("Mapping result already committed for path",
			"session_id", rec.SessionID,
			"form_route_id", rec.FormRouteID,
			"path_number", rec.PathNumber)
	}
	return map[string]string{"result_id": saved.ID}, nil
}

// ingestLogBundle fans an oversized log batch out of object storage into
// activity_logs and removes the object. No session intake: log delivery
// never changes session state.
func (e *Executor) ingestLogBundle(ctx context.Context, env *models.BackgroundTaskEnvelope) error {
	var args models.IngestLogBundleArgs
	if err := json.Unmarshal(env.Args, &args); err != nil {
		return fmt.Errorf("corrupt log bundle args: %w", err)
	}

	raw, err := e.objects.Fetch(ctx, args.TenantID, args.ObjectKey)
	if err != nil {
		return fmt.Errorf("failed to fetch log bundle %s: %w", args.ObjectKey, err)
	}
	var batch models.LogBatchRequest
	if err := json.Unmarshal(raw, &batch); err != nil {
		return fmt.Errorf("corrupt log bundle %s: %w", args.ObjectKey, err)
	}

	inserted, err := e.logs.InsertBatch(ctx, args.TenantID, env.SessionID, args.AgentID, batch.Entries)
	if err != nil {
		return fmt.Errorf("failed to insert log batch: %w", err)
	}

	if err := e.objects.Delete(ctx, args.TenantID, args.ObjectKey); err != nil {
		// The rows landed; a leaked object is the cleaner's problem.
		slog.Warn("Failed to delete ingested log bundle",
			"object_key", args.ObjectKey, "error", err)
	}

	slog.Info("Log bundle ingested",
		"session_id", env.SessionID,
		"object_key", args.ObjectKey,
		"entries", inserted)
	return nil
}

// ─────────────────────────────────────────────────────────────
// Intake plumbing
// ─────────────────────────────────────────────────────────────

func (e *Executor) feedResult(ctx context.Context, env *models.BackgroundTaskEnvelope, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}
	return e.intake.Intake(ctx, env.SessionID, orchestrator.Input{
		Kind:            orchestrator.InputBackgroundResult,
		TaskName:        env.TaskName,
		VersionSnapshot: env.VersionSnapshot,
		Result:          raw,
	})
}

func (e *Executor) feedFailure(ctx context.Context, env *models.BackgroundTaskEnvelope, failure *models.BackgroundFailure) error {
	in := orchestrator.Input{
		Kind:            orchestrator.InputBackgroundResult,
		TaskName:        env.TaskName,
		VersionSnapshot: env.VersionSnapshot,
		Failure:         failure,
	}
	// On overload the machine re-dispatches the same task once; hand the
	// original args back so the re-run is identical.
	if failure.Code == "ai_overloaded" {
		in.Result = env.Args
	}
	return e.intake.Intake(ctx, env.SessionID, in)
}

func decodeArgs(env *models.BackgroundTaskEnvelope, dst any) *models.BackgroundFailure {
	if len(env.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Args, dst); err != nil {
		return &models.BackgroundFailure{Code: "worker_error", Message: "corrupt task args: " + err.Error()}
	}
	return nil
}
