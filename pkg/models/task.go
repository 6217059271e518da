package models

import (
	"encoding/json"
	"time"
)

// AgentTaskType tags the browser operations dispatched to agents.
type AgentTaskType string

const (
	AgentTaskLogin      AgentTaskType = "login"
	AgentTaskNavigate   AgentTaskType = "navigate_to_form"
	AgentTaskExecStep   AgentTaskType = "exec_step"
	AgentTaskExecSteps  AgentTaskType = "exec_steps"
	AgentTaskExtractDOM AgentTaskType = "extract_dom"
	AgentTaskLogout     AgentTaskType = "logout"
)

// TaskStatus tracks an agent task through its relational row.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// AgentTask is the durable record of one browser operation. The queue holds
// only a pointer envelope; this row is authoritative.
type AgentTask struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id"`
	AgentID     *string         `json:"agent_id,omitempty"` // nil until picked up
	TaskType    AgentTaskType   `json:"task_type"`
	Parameters  json.RawMessage `json:"parameters"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	AssignedAt  *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// AgentTaskEnvelope is the compact pointer pushed onto a per-user queue.
type AgentTaskEnvelope struct {
	TaskID   string            `json:"task_id"`
	TaskType AgentTaskType     `json:"task_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BackgroundTaskName tags the worker-pool tasks in the mapping flow.
type BackgroundTaskName string

const (
	TaskAnalyzeFormPage     BackgroundTaskName = "analyze_form_page"
	TaskRegenerateSteps     BackgroundTaskName = "regenerate_steps"
	TaskAnalyzeFailure      BackgroundTaskName = "analyze_failure_and_recover"
	TaskVerifyUIVisual      BackgroundTaskName = "verify_ui_visual"
	TaskVerifyPageVisual    BackgroundTaskName = "verify_page_visual"
	TaskVerifyDynamicStep   BackgroundTaskName = "verify_dynamic_step_visual"
	TaskEvaluatePathsWithAI BackgroundTaskName = "evaluate_paths_with_ai"
	TaskEvaluatePaths       BackgroundTaskName = "evaluate_existing_paths"
	TaskSaveMappingResult   BackgroundTaskName = "save_mapping_result"
	TaskIngestLogBundle     BackgroundTaskName = "ingest_log_bundle"
)

// BackgroundTaskEnvelope is the unit pushed onto a shared worker queue.
// VersionSnapshot is the session version at dispatch time; intake discards
// the result if the session moved on.
type BackgroundTaskEnvelope struct {
	TaskName        BackgroundTaskName `json:"task_name"`
	SessionID       string             `json:"session_id"`
	Args            json.RawMessage    `json:"args,omitempty"`
	DispatchedAt    time.Time          `json:"dispatched_at"`
	VersionSnapshot int64              `json:"session_version_snapshot"`
}

// ─────────────────────────────────────────────────────────────
// Background task argument schemas
// ─────────────────────────────────────────────────────────────

// AnalyzeFormPageArgs feed the step generator. The worker pulls the rest
// (test cases, input values, path instruction) from the session and route.
type AnalyzeFormPageArgs struct {
	DOMHTML       string `json:"dom_html"`
	ScreenshotKey string `json:"screenshot_key,omitempty"`
}

// RegenerateStepsArgs feed the plan-healing regeneration.
type RegenerateStepsArgs struct {
	DOMHTML       string `json:"dom_html"`
	ScreenshotKey string `json:"screenshot_key,omitempty"`
}

// AnalyzeFailureArgs feed the recovery classifier.
type AnalyzeFailureArgs struct {
	Step          Stage  `json:"step"`
	Error         string `json:"error,omitempty"`
	DOMHTML       string `json:"dom_html,omitempty"`
	ScreenshotKey string `json:"screenshot_key,omitempty"`
	RecoveryCount int    `json:"recovery_count"`
}

// VerifyVisualArgs feed the screenshot-only verifications
// (verify_ui_visual, verify_page_visual, verify_dynamic_step_visual).
type VerifyVisualArgs struct {
	ScreenshotKey string   `json:"screenshot_key"`
	Description   string   `json:"description,omitempty"`
	PriorIssues   []string `json:"prior_issues,omitempty"`
}

// IngestLogBundleArgs point at an oversized log batch parked in object
// storage. Queued by the log intake endpoint, not by the state machine.
type IngestLogBundleArgs struct {
	ObjectKey string `json:"object_key"`
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

// BackgroundFailure is the structured failure a worker feeds into intake
// when its task could not produce a result.
type BackgroundFailure struct {
	Code    string `json:"code"` // budget_exceeded, ai_parse_error, ai_overloaded, worker_panic, ...
	Message string `json:"message,omitempty"`
}

// ─────────────────────────────────────────────────────────────
// Agent task parameter / result schemas
// ─────────────────────────────────────────────────────────────

// LoginParams drive the agent's login flow against the customer system.
type LoginParams struct {
	LoginURL string  `json:"login_url"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	TOTPSeed string  `json:"totp_seed,omitempty"`
	Hints    string  `json:"hints,omitempty"`
	Stages   []Stage `json:"stages,omitempty"` // previously recorded login stages
}

// LoginResult reports the landing point after login.
type LoginResult struct {
	Success      bool    `json:"success"`
	DashboardURL string  `json:"dashboard_url,omitempty"`
	FinalStages  []Stage `json:"final_stages,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// NavigateParams replay recorded navigation stages toward the form.
type NavigateParams struct {
	StartURL string  `json:"start_url"`
	Stages   []Stage `json:"stages"`
}

// NavigateResult reports where navigation landed.
type NavigateResult struct {
	Success     bool    `json:"success"`
	CurrentURL  string  `json:"current_url,omitempty"`
	FinalStages []Stage `json:"final_stages,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// ExecStepParams carry exactly one stage to execute.
type ExecStepParams struct {
	Step Stage `json:"step"`
}

// ExecStepsParams carry an ordered batch.
type ExecStepsParams struct {
	Steps []Stage `json:"steps"`
}

// ExecStepResult is the agent's report for one executed stage. DOMHTML and
// ScreenshotKey feed the step generator and the recovery classifier.
type ExecStepResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	DOMHTML           string `json:"dom_html,omitempty"`
	ScreenshotKey     string `json:"screenshot_key,omitempty"`
	FieldsChangedHint *bool  `json:"fields_changed_hint,omitempty"`
}

// ExtractDOMResult is the agent's snapshot of the current page.
type ExtractDOMResult struct {
	DOMHTML       string `json:"dom_html"`
	ScreenshotKey string `json:"screenshot_key,omitempty"`
}

// LogoutParams replay recorded logout stages.
type LogoutParams struct {
	Stages []Stage `json:"stages"`
}

// LogoutResult reports the logout outcome.
type LogoutResult struct {
	Success     bool    `json:"success"`
	FinalStages []Stage `json:"final_stages,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// TaskResultRequest is the agent's write-back for a finished task.
type TaskResultRequest struct {
	TaskID string          `json:"task_id"`
	Status TaskStatus      `json:"status"` // completed or failed
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TaskProgressRequest is best-effort and not persisted.
type TaskProgressRequest struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// PollTaskResponse is the 200 body for a successful poll.
type PollTaskResponse struct {
	TaskID     string          `json:"task_id"`
	TaskType   AgentTaskType   `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
}
