// Package orchestrator is the per-session state machine. The Machine is pure
// transition logic over the fast-store record; the Engine wraps it with the
// version-CAS read-modify-write and turns directives into queue pushes and
// durable writes. Neither ever calls KMS, S3, or the model directly.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/formscout/formscout/pkg/models"
)

// Failure codes carried on the durable session row.
const (
	FailLogin             = "login_failed"
	FailNavigation        = "navigation_failed"
	FailLogout            = "logout_failed"
	FailVerification      = "verification_failure"
	FailRecoveryExhausted = "recovery_exhausted"
	FailStepRetries       = "step_retries_exhausted"
	FailPageError         = "page_error"
	FailParse             = "ai_parse_error"
	FailOverloaded        = "ai_overloaded"
	FailBudget            = "budget_exceeded"
	FailOverrideMismatch  = "junction_override_mismatch"
	FailReplay            = "path_replay_failed"
	FailWorker            = "worker_error"
	FailTimeout           = "timeout"
)

// InputKind tags what woke the state machine up.
type InputKind string

const (
	InputAgentResult      InputKind = "agent_result"
	InputBackgroundResult InputKind = "background_result"
	InputCancel           InputKind = "cancel"
)

// Input is one intake event. Exactly one of the agent / background groups is
// populated, selected by Kind.
type Input struct {
	Kind InputKind

	// Agent result fields.
	TaskID      string
	TaskType    models.AgentTaskType
	AgentStatus models.TaskStatus
	AgentResult json.RawMessage
	AgentError  string

	// Background result fields.
	TaskName        models.BackgroundTaskName
	VersionSnapshot int64
	Result          json.RawMessage
	Failure         *models.BackgroundFailure
}

// AgentTaskDirective asks the engine to create a durable task row and push
// its envelope onto the owning user's queue. Delay defers the push without
// blocking the caller.
type AgentTaskDirective struct {
	TaskType models.AgentTaskType
	Params   any
	Delay    time.Duration
}

// BackgroundDirective asks the engine to push a worker-queue envelope
// snapshotted at the record's new version.
type BackgroundDirective struct {
	TaskName models.BackgroundTaskName
	Args     any
	Delay    time.Duration
}

// FinalizeDirective moves the durable session row to its terminal status.
type FinalizeDirective struct {
	Status      models.SessionStatus
	FailureCode string
	FailureText string
}

// Directive is one side effect the machine wants executed after the record
// write commits. At most one of the pointers is set.
type Directive struct {
	AgentTask       *AgentTaskDirective
	Background      *BackgroundDirective
	Finalize        *FinalizeDirective
	SetDashboardURL string
}

func agentDirective(taskType models.AgentTaskType, params any) Directive {
	return Directive{AgentTask: &AgentTaskDirective{TaskType: taskType, Params: params}}
}

func backgroundDirective(name models.BackgroundTaskName, args any) Directive {
	return Directive{Background: &BackgroundDirective{TaskName: name, Args: args}}
}

func finalizeDirective(status models.SessionStatus, code, text string) Directive {
	return Directive{Finalize: &FinalizeDirective{Status: status, FailureCode: code, FailureText: text}}
}
