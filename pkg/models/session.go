package models

import (
	"encoding/json"
	"time"
)

// ActivityType selects the mapping flow a session runs.
type ActivityType string

const (
	ActivityFormMapping    ActivityType = "form_mapping"
	ActivityDynamicContent ActivityType = "dynamic_content"
	ActivityLogoutMapping  ActivityType = "logout_mapping"
)

// SessionStatus is the user-visible rollup of a session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// SessionState is the fine-grained state machine position.
type SessionState string

const (
	StateCreated         SessionState = "created"
	StateLoginRequested  SessionState = "login_requested"
	StateNavigating      SessionState = "navigating"
	StateFormLanded      SessionState = "form_landed"
	StateNeedSteps       SessionState = "need_steps"
	StateHaveSteps       SessionState = "have_steps"
	StateExecutingStep   SessionState = "executing_step"
	StateVerifyingVisual SessionState = "verifying_visual"
	StateRecovering      SessionState = "recovering"
	StateRegenerating    SessionState = "regenerating"
	StateAllStepsDone    SessionState = "all_steps_done"
	StateVerifyingPage   SessionState = "verifying_page"
	StatePathCommitted   SessionState = "path_committed"
	StateEvaluatingPaths SessionState = "evaluating_paths"
	StateCompleted       SessionState = "completed"
	StateFailed          SessionState = "failed"
	StateCancelled       SessionState = "cancelled"
)

// Terminal reports whether the state machine halted.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Phase is the coarse grouping of states, kept on the fast-store record for
// cheap progress displays.
type Phase string

const (
	PhaseLogin        Phase = "login"
	PhaseNavigation   Phase = "navigation"
	PhaseMapping      Phase = "mapping"
	PhaseVerification Phase = "verification"
	PhasePathing      Phase = "pathing"
	PhaseDone         Phase = "done"
)

// PhaseOf maps a state to its coarse phase.
func PhaseOf(s SessionState) Phase {
	switch s {
	case StateCreated, StateLoginRequested:
		return PhaseLogin
	case StateNavigating, StateFormLanded:
		return PhaseNavigation
	case StateNeedSteps, StateHaveSteps, StateExecutingStep, StateRecovering, StateRegenerating:
		return PhaseMapping
	case StateVerifyingVisual, StateAllStepsDone, StateVerifyingPage:
		return PhaseVerification
	case StatePathCommitted, StateEvaluatingPaths:
		return PhasePathing
	default:
		return PhaseDone
	}
}

// SessionRecord is the per-session working state held in the fast store
// (TTL two hours). The orchestrator is its only writer; all writes go
// through the version CAS.
type SessionRecord struct {
	SessionID      string          `json:"session_id"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id"`
	FormRouteID    string          `json:"form_route_id,omitempty"`
	ActivityType   ActivityType    `json:"activity_type"`
	TestCaseText   string          `json:"test_case_text,omitempty"`
	BaseURL        string          `json:"base_url,omitempty"`
	DashboardURL   string          `json:"dashboard_url,omitempty"`
	Phase          Phase           `json:"phase"`
	State          SessionState    `json:"state"`
	StepIndex      int             `json:"step_index"`
	RetryCount     int             `json:"retry_count"`
	RecoveryCount  int             `json:"recovery_count"`
	ParseFailures  int             `json:"parse_failures"`
	PathNumber     int             `json:"path_number"`
	LastError      string          `json:"last_error,omitempty"`
	LastAIDecision string          `json:"last_ai_decision,omitempty"`
	StagesUpdated  bool            `json:"stages_updated"`
	Stages         []Stage         `json:"stages"`
	ExecutedSteps  []ExecutedStep  `json:"executed_steps"`
	VerifiedFields []string        `json:"already_verified_fields"`
	PathTracker    *PathTracker    `json:"path_tracker,omitempty"`
	// Healed stage lists replace the route's recorded ones at final commit.
	// Nil means that list was replayed unchanged.
	HealedLoginStages []Stage `json:"healed_login_stages,omitempty"`
	HealedNavStages   []Stage `json:"healed_nav_stages,omitempty"`
	// UIIssues accumulates non-blocking visual defects reported during the run.
	UIIssues []string `json:"ui_issues,omitempty"`
	// InflightTask is the background task currently dispatched and not yet
	// completed; empty when none. Enforces at-most-one-in-flight.
	InflightTask string `json:"inflight_task,omitempty"`
	// PathInstruction is the active junction replay seed, set when the path
	// evaluator asked for another path and cleared once the path commits.
	PathInstruction *PathInstruction `json:"path_instruction,omitempty"`
	Version         int64            `json:"session_version"`
	LastResult      json.RawMessage  `json:"last_agent_result,omitempty"`
}

// MappingSession is the authoritative relational row. It outlives the
// fast-store record and carries the final status.
type MappingSession struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	UserID       string          `json:"user_id"`
	ProjectID    string          `json:"project_id"`
	NetworkID    string          `json:"network_id"`
	ActivityType ActivityType    `json:"activity_type"`
	FormRouteID  *string         `json:"form_route_id,omitempty"`
	TestPageID   *string         `json:"test_page_id,omitempty"`
	Status       SessionStatus   `json:"status"`
	FailureCode  string          `json:"failure_code,omitempty"`
	FailureText  string          `json:"failure_text,omitempty"`
	TestCaseText string          `json:"test_case_text,omitempty"`
	BaseURL      string          `json:"base_url"`
	DashboardURL string          `json:"dashboard_url,omitempty"`
	Config       json.RawMessage `json:"config_snapshot,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// CreateSessionRequest contains fields for starting a mapping session.
type CreateSessionRequest struct {
	TenantID     string       `json:"tenant_id"`
	UserID       string       `json:"user_id"`
	ProjectID    string       `json:"project_id"`
	NetworkID    string       `json:"network_id"`
	ActivityType ActivityType `json:"activity_type"`
	FormRouteID  string       `json:"form_route_id,omitempty"`
	TestPageID   string       `json:"test_page_id,omitempty"`
	TestCaseText string       `json:"test_case_text,omitempty"`
	BaseURL      string       `json:"base_url"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	TenantID      string     `json:"tenant_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	Status        string     `json:"status,omitempty"`
	ActivityType  string     `json:"activity_type,omitempty"`
	StartedAfter  *time.Time `json:"started_after,omitempty"`
	StartedBefore *time.Time `json:"started_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*MappingSession `json:"sessions"`
	TotalCount int               `json:"total_count"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}
