package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
)

// Machine holds the pure transition logic. It mutates the record in place
// and returns the side effects for the engine to run after the CAS commits.
type Machine struct {
	cfg *config.SessionConfig
}

// NewMachine creates the state machine with the session retry budgets.
func NewMachine(cfg *config.SessionConfig) *Machine {
	return &Machine{cfg: cfg}
}

// Start seeds a fresh record and returns the first dispatch. login carries
// the decrypted credentials prepared by the caller; nil means the target
// needs no login and mapping starts at the base URL.
func (m *Machine) Start(rec *models.SessionRecord, route *models.FormRoute, login *models.LoginParams) []Directive {
	rec.State = models.StateCreated
	rec.Phase = models.PhaseOf(rec.State)
	rec.PathNumber = 1

	if login == nil {
		rec.DashboardURL = rec.BaseURL
		return m.afterLogin(rec, route)
	}

	if route != nil && len(route.LoginStages) > 0 {
		login.Stages = route.LoginStages
	}
	m.setState(rec, models.StateLoginRequested)
	return []Directive{agentDirective(models.AgentTaskLogin, login)}
}

// Step processes one intake event against the current record. The returned
// bool is false when the event was discarded (wrong state, stale branch);
// discarded events leave the record untouched.
func (m *Machine) Step(rec *models.SessionRecord, route *models.FormRoute, in Input) ([]Directive, bool) {
	switch in.Kind {
	case InputCancel:
		return m.cancel(rec), true
	case InputAgentResult:
		return m.agentResult(rec, route, in)
	case InputBackgroundResult:
		return m.backgroundResult(rec, route, in)
	default:
		return nil, false
	}
}

func (m *Machine) cancel(rec *models.SessionRecord) []Directive {
	m.setState(rec, models.StateCancelled)
	rec.InflightTask = ""
	return []Directive{finalizeDirective(models.SessionStatusCancelled, "", "")}
}

// ─────────────────────────────────────────────────────────────
// Agent results
// ─────────────────────────────────────────────────────────────

func (m *Machine) agentResult(rec *models.SessionRecord, route *models.FormRoute, in Input) ([]Directive, bool) {
	switch in.TaskType {
	case models.AgentTaskLogin:
		return m.loginResult(rec, route, in)
	case models.AgentTaskNavigate:
		return m.navigateResult(rec, route, in)
	case models.AgentTaskExtractDOM:
		return m.extractResult(rec, in)
	case models.AgentTaskExecStep:
		return m.stepResult(rec, in)
	case models.AgentTaskExecSteps:
		return m.batchResult(rec, in)
	case models.AgentTaskLogout:
		return m.logoutResult(rec, in)
	default:
		return nil, false
	}
}

func (m *Machine) loginResult(rec *models.SessionRecord, route *models.FormRoute, in Input) ([]Directive, bool) {
	if rec.State != models.StateLoginRequested {
		return nil, false
	}

	var r models.LoginResult
	if err := json.Unmarshal(in.AgentResult, &r); err != nil || !r.Success {
		detail := r.Error
		if detail == "" {
			detail = in.AgentError
		}
		return m.fail(rec, FailLogin, "login did not reach the dashboard: "+detail), true
	}

	if r.DashboardURL != "" {
		rec.DashboardURL = r.DashboardURL
	}
	if route != nil && len(r.FinalStages) > 0 && !stagesEqual(route.LoginStages, r.FinalStages) {
		rec.HealedLoginStages = r.FinalStages
		rec.StagesUpdated = true
	}

	out := m.afterLogin(rec, route)
	if rec.DashboardURL != "" {
		out = append(out, Directive{SetDashboardURL: rec.DashboardURL})
	}
	return out, true
}

// afterLogin routes to navigation when the route records the way to the
// form, otherwise straight to a DOM snapshot of the landing page.
func (m *Machine) afterLogin(rec *models.SessionRecord, route *models.FormRoute) []Directive {
	if route != nil && len(route.NavigationStages) > 0 {
		m.setState(rec, models.StateNavigating)
		return []Directive{agentDirective(models.AgentTaskNavigate, &models.NavigateParams{
			StartURL: rec.DashboardURL,
			Stages:   route.NavigationStages,
		})}
	}
	m.setState(rec, models.StateFormLanded)
	return []Directive{agentDirective(models.AgentTaskExtractDOM, struct{}{})}
}

func (m *Machine) navigateResult(rec *models.SessionRecord, route *models.FormRoute, in Input) ([]Directive, bool) {
	// Navigation also re-runs at the start of every extra path; in that case
	// the record is already seeded and we replay the executed prefix.
	if rec.State == models.StateHaveSteps && rec.PathInstruction != nil {
		return m.replayAfterNavigate(rec, in)
	}
	if rec.State != models.StateNavigating {
		return nil, false
	}

	var r models.NavigateResult
	if err := json.Unmarshal(in.AgentResult, &r); err != nil || !r.Success {
		detail := r.Error
		if detail == "" {
			detail = in.AgentError
		}
		return m.fail(rec, FailNavigation, "navigation did not reach the form: "+detail), true
	}

	if route != nil && len(r.FinalStages) > 0 && !stagesEqual(route.NavigationStages, r.FinalStages) {
		rec.HealedNavStages = r.FinalStages
		rec.StagesUpdated = true
	}

	m.setState(rec, models.StateFormLanded)
	return []Directive{agentDirective(models.AgentTaskExtractDOM, struct{}{})}, true
}

func (m *Machine) extractResult(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	var r models.ExtractDOMResult
	if err := json.Unmarshal(in.AgentResult, &r); err != nil {
		return m.fail(rec, FailWorker, "unreadable dom snapshot from agent"), true
	}
	rec.LastResult = in.AgentResult

	switch rec.State {
	case models.StateFormLanded:
		m.setState(rec, models.StateNeedSteps)
		return m.dispatchBackground(rec, models.TaskAnalyzeFormPage, &models.AnalyzeFormPageArgs{
			DOMHTML:       r.DOMHTML,
			ScreenshotKey: r.ScreenshotKey,
		}), true
	case models.StateAllStepsDone:
		m.setState(rec, models.StateVerifyingPage)
		return m.dispatchBackground(rec, models.TaskVerifyPageVisual, &models.VerifyVisualArgs{
			ScreenshotKey: r.ScreenshotKey,
		}), true
	default:
		return nil, false
	}
}

func (m *Machine) stepResult(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	if rec.State != models.StateExecutingStep || rec.StepIndex >= len(rec.Stages) {
		return nil, false
	}

	var r models.ExecStepResult
	if err := json.Unmarshal(in.AgentResult, &r); err != nil {
		// Agents reporting a hard failure may send no result body at all.
		if in.AgentError == "" {
			return m.fail(rec, FailWorker, "unreadable step result from agent"), true
		}
		r = models.ExecStepResult{Success: false, Error: in.AgentError}
	}
	rec.LastResult = in.AgentResult
	step := rec.Stages[rec.StepIndex]

	if !r.Success {
		// No alert present is not a failure for alert steps.
		if step.Action.AlertAction() {
			rec.StepIndex++
			return m.nextStep(rec), true
		}
		// A failed assertion is the finding, not a defect to recover from.
		if step.Action.Terminal() {
			return m.fail(rec, FailVerification, "verify step failed: "+firstNonEmpty(r.Error, in.AgentError)), true
		}
		rec.LastError = firstNonEmpty(r.Error, in.AgentError)
		m.setState(rec, models.StateRecovering)
		return m.dispatchBackground(rec, models.TaskAnalyzeFailure, &models.AnalyzeFailureArgs{
			Step:          step,
			Error:         rec.LastError,
			DOMHTML:       r.DOMHTML,
			ScreenshotKey: r.ScreenshotKey,
			RecoveryCount: rec.RecoveryCount,
		}), true
	}

	rec.RetryCount = 0
	m.recordExecuted(rec, step, &r)
	if step.Action == models.ActionVerify {
		m.markVerified(rec, firstNonEmpty(step.Description, step.Selector))
	}
	rec.StepIndex++

	// A step that changed the visible field set gets a visual check before
	// we march on.
	if r.FieldsChangedHint != nil && *r.FieldsChangedHint && r.ScreenshotKey != "" {
		m.setState(rec, models.StateVerifyingVisual)
		return m.dispatchBackground(rec, models.TaskVerifyUIVisual, &models.VerifyVisualArgs{
			ScreenshotKey: r.ScreenshotKey,
			PriorIssues:   rec.UIIssues,
		}), true
	}
	return m.nextStep(rec), true
}

// batchResult handles the prefix replay that opens every extra path.
// Fail closed: a replay that cannot reproduce the committed prefix ends the
// path instead of mapping the wrong branch.
func (m *Machine) batchResult(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	if rec.State != models.StateExecutingStep || rec.PathInstruction == nil {
		return nil, false
	}

	var results []models.ExecStepResult
	if err := json.Unmarshal(in.AgentResult, &results); err != nil {
		return m.fail(rec, FailReplay, "unreadable replay result from agent"), true
	}
	for i, r := range results {
		if !r.Success {
			return m.fail(rec, FailReplay,
				fmt.Sprintf("replayed step %d failed: %s", i+1, r.Error)), true
		}
	}
	return m.nextStep(rec), true
}

func (m *Machine) logoutResult(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	var r models.LogoutResult
	if err := json.Unmarshal(in.AgentResult, &r); err != nil || !r.Success {
		return m.fail(rec, FailLogout, "logout flow failed: "+firstNonEmpty(r.Error, in.AgentError)), true
	}
	m.setState(rec, models.StateCompleted)
	return []Directive{finalizeDirective(models.SessionStatusCompleted, "", "")}, true
}

// ─────────────────────────────────────────────────────────────
// Background results
// ─────────────────────────────────────────────────────────────

func (m *Machine) backgroundResult(rec *models.SessionRecord, route *models.FormRoute, in Input) ([]Directive, bool) {
	// At most one background task is in flight; anything else is a stale
	// branch that lost the version race but raced the inflight marker too.
	if rec.InflightTask != string(in.TaskName) {
		slog.Warn("Discarding background result for task not in flight",
			"session_id", rec.SessionID,
			"task_name", in.TaskName,
			"inflight", rec.InflightTask)
		return nil, false
	}
	rec.InflightTask = ""

	if in.Failure != nil {
		return m.backgroundFailure(rec, in), true
	}

	switch in.TaskName {
	case models.TaskAnalyzeFormPage, models.TaskRegenerateSteps:
		return m.stepPlan(rec, in)
	case models.TaskAnalyzeFailure:
		return m.recovery(rec, in)
	case models.TaskVerifyUIVisual, models.TaskVerifyDynamicStep:
		return m.visualReport(rec, in)
	case models.TaskVerifyPageVisual:
		return m.pageReport(rec, in)
	case models.TaskSaveMappingResult:
		return m.resultSaved(rec, in)
	case models.TaskEvaluatePaths, models.TaskEvaluatePathsWithAI:
		return m.pathDecision(rec, route, in)
	default:
		return nil, false
	}
}

func (m *Machine) backgroundFailure(rec *models.SessionRecord, in Input) []Directive {
	rec.LastError = in.Failure.Message

	switch in.Failure.Code {
	case FailBudget:
		return m.fail(rec, FailBudget, in.Failure.Message)
	case FailParse:
		rec.ParseFailures++
		if rec.ParseFailures >= 2 {
			return m.fail(rec, FailParse, "model output unparseable twice: "+in.Failure.Message)
		}
		// One free regeneration.
		m.setState(rec, models.StateRegenerating)
		return m.dispatchBackground(rec, models.TaskRegenerateSteps, m.regenerateArgs(rec))
	case FailOverloaded:
		// The caller already burned its backoff budget; one deferred re-run
		// of the same task, then give up.
		rec.RetryCount++
		if rec.RetryCount > m.cfg.MaxStepRetries {
			return m.fail(rec, FailOverloaded, "model overloaded: "+in.Failure.Message)
		}
		dir := backgroundDirective(in.TaskName, json.RawMessage(in.Result))
		dir.Background.Delay = m.cfg.PageRetryWait
		rec.InflightTask = string(in.TaskName)
		return []Directive{dir}
	default:
		return m.fail(rec, FailWorker, in.Failure.Message)
	}
}

func (m *Machine) stepPlan(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	if rec.State != models.StateNeedSteps && rec.State != models.StateRegenerating {
		return nil, false
	}

	var plan models.StepPlan
	if err := json.Unmarshal(in.Result, &plan); err != nil {
		return m.fail(rec, FailParse, "unreadable step plan"), true
	}
	rec.ParseFailures = 0

	if rec.State == models.StateRegenerating {
		// Keep what already ran, replace the remainder.
		rec.Stages = append(rec.Stages[:rec.StepIndex], plan.Steps...)
		rec.StagesUpdated = true
	} else {
		rec.Stages = plan.Steps
		rec.StepIndex = 0
	}
	renumber(rec.Stages)
	m.foldJunctions(rec, plan.Junctions)

	if rec.PathInstruction != nil {
		if !m.applyOverrides(rec) {
			return m.fail(rec, FailOverrideMismatch,
				"junction override no longer matches a planned step"), true
		}
	}

	m.setState(rec, models.StateHaveSteps)
	return m.nextStep(rec), true
}

func (m *Machine) recovery(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	if rec.State != models.StateRecovering || rec.StepIndex >= len(rec.Stages) {
		return nil, false
	}

	var d models.RecoveryDecision
	if err := json.Unmarshal(in.Result, &d); err != nil {
		return m.fail(rec, FailParse, "unreadable recovery decision"), true
	}
	rec.RecoveryCount++
	rec.LastAIDecision = string(d.Kind)
	if rec.RecoveryCount > m.cfg.MaxRecoveries {
		return m.fail(rec, FailRecoveryExhausted,
			fmt.Sprintf("gave up after %d recoveries", rec.RecoveryCount-1)), true
	}

	switch d.Kind {
	case models.RecoveryLocatorChanged:
		rec.RetryCount++
		if rec.RetryCount > m.cfg.MaxStepRetries {
			return m.fail(rec, FailStepRetries, "locator retries exhausted at step "+stepLabel(rec)), true
		}
		step := &rec.Stages[rec.StepIndex]
		m.retagJunction(rec, step.Selector, d.NewSelector)
		step.Selector = d.NewSelector
		if d.NewFullXPath != "" {
			step.FullXPath = d.NewFullXPath
		}
		rec.StagesUpdated = true
		if !m.checkOverrides(rec) {
			return m.fail(rec, FailOverrideMismatch,
				"junction override lost its step after locator heal"), true
		}
		m.setState(rec, models.StateExecutingStep)
		return []Directive{agentDirective(models.AgentTaskExecStep,
			&models.ExecStepParams{Step: rec.Stages[rec.StepIndex]})}, true

	case models.RecoveryPageGeneral:
		rec.RetryCount++
		if rec.RetryCount > m.cfg.MaxStepRetries {
			return m.fail(rec, FailPageError, "page kept failing at step "+stepLabel(rec)), true
		}
		m.setState(rec, models.StateExecutingStep)
		dir := agentDirective(models.AgentTaskExecStep,
			&models.ExecStepParams{Step: rec.Stages[rec.StepIndex]})
		dir.AgentTask.Delay = m.cfg.PageRetryWait
		return []Directive{dir}, true

	case models.RecoveryNeedHealing:
		m.setState(rec, models.StateRegenerating)
		return m.dispatchBackground(rec, models.TaskRegenerateSteps, m.regenerateArgs(rec)), true

	case models.RecoveryCorrectionSteps:
		rec.RetryCount++
		if rec.RetryCount > m.cfg.MaxStepRetries {
			return m.fail(rec, FailStepRetries, "correction retries exhausted at step "+stepLabel(rec)), true
		}
		m.spliceCorrections(rec, d.CorrectionSteps)
		if !m.checkOverrides(rec) {
			return m.fail(rec, FailOverrideMismatch,
				"junction override lost its step after correction splice"), true
		}
		rec.StagesUpdated = true
		m.setState(rec, models.StateExecutingStep)
		return []Directive{agentDirective(models.AgentTaskExecStep,
			&models.ExecStepParams{Step: rec.Stages[rec.StepIndex]})}, true

	default:
		return m.fail(rec, FailWorker, "unclassified recovery verdict: "+string(d.Kind)), true
	}
}

func (m *Machine) visualReport(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	if rec.State != models.StateVerifyingVisual {
		return nil, false
	}

	var r models.VisualCheckReport
	if err := json.Unmarshal(in.Result, &r); err != nil {
		return m.fail(rec, FailParse, "unreadable visual report"), true
	}

	if r.Blocking {
		rec.LastError = firstNonEmpty(r.Detail, "blocking page state during visual check")
		m.setState(rec, models.StateRecovering)
		args := &models.AnalyzeFailureArgs{
			Error:         rec.LastError,
			RecoveryCount: rec.RecoveryCount,
		}
		if rec.StepIndex < len(rec.Stages) {
			args.Step = rec.Stages[rec.StepIndex]
		}
		return m.dispatchBackground(rec, models.TaskAnalyzeFailure, args), true
	}

	if r.Issues != "" {
		rec.UIIssues = append(rec.UIIssues, r.Issues)
	}
	if in.TaskName == models.TaskVerifyDynamicStep && rec.StepIndex > 0 {
		prev := rec.Stages[rec.StepIndex-1]
		m.markVerified(rec, firstNonEmpty(prev.Description, prev.Selector))
	}
	m.setState(rec, models.StateHaveSteps)
	return m.nextStep(rec), true
}

func (m *Machine) pageReport(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	if rec.State != models.StateVerifyingPage {
		return nil, false
	}

	var r models.PageVerifyReport
	if err := json.Unmarshal(in.Result, &r); err != nil {
		return m.fail(rec, FailParse, "unreadable page verification report"), true
	}

	if !r.PageReady {
		rec.RetryCount++
		if rec.RetryCount > m.cfg.MaxStepRetries {
			return m.fail(rec, FailVerification, "result page never became ready"), true
		}
		m.setState(rec, models.StateAllStepsDone)
		dir := agentDirective(models.AgentTaskExtractDOM, struct{}{})
		dir.AgentTask.Delay = m.cfg.PageRetryWait
		return []Directive{dir}, true
	}
	rec.RetryCount = 0

	var critical []string
	for _, f := range r.Fields {
		if f.Passed {
			m.markVerified(rec, f.Field)
		} else if f.Severity == "critical" {
			critical = append(critical, f.Field+": "+f.Note)
		}
	}
	if len(critical) > 0 {
		return m.fail(rec, FailVerification,
			"result page mismatch: "+joinLimited(critical, 5)), true
	}

	m.setState(rec, models.StatePathCommitted)
	return m.dispatchBackground(rec, models.TaskSaveMappingResult, struct{}{}), true
}

func (m *Machine) resultSaved(rec *models.SessionRecord, in Input) ([]Directive, bool) {
	if rec.State != models.StatePathCommitted {
		return nil, false
	}

	var saved struct {
		ResultID string `json:"result_id"`
	}
	if err := json.Unmarshal(in.Result, &saved); err != nil {
		return m.fail(rec, FailParse, "unreadable save confirmation"), true
	}

	m.commitPath(rec, saved.ResultID)
	rec.PathInstruction = nil
	m.setState(rec, models.StateEvaluatingPaths)
	return m.dispatchBackground(rec, models.TaskEvaluatePaths, struct{}{}), true
}

func (m *Machine) pathDecision(rec *models.SessionRecord, route *models.FormRoute, in Input) ([]Directive, bool) {
	if rec.State != models.StateEvaluatingPaths {
		return nil, false
	}

	var d models.PathDecision
	if err := json.Unmarshal(in.Result, &d); err != nil {
		return m.fail(rec, FailParse, "unreadable path decision"), true
	}
	rec.LastAIDecision = d.Reason

	if d.Done || d.Next == nil {
		m.setState(rec, models.StateCompleted)
		return []Directive{finalizeDirective(models.SessionStatusCompleted, "", "")}, true
	}

	// Seed the next path: rewind, force the junction, replay via a fresh
	// navigation so the form starts clean.
	rec.PathNumber++
	rec.PathInstruction = d.Next
	rec.StepIndex = d.Next.ResetStepIndex
	if rec.StepIndex > len(rec.Stages) {
		rec.StepIndex = len(rec.Stages)
	}
	rec.ExecutedSteps = truncateExecuted(rec.ExecutedSteps, rec.StepIndex)
	rec.RetryCount = 0
	if !m.applyOverrides(rec) {
		return m.fail(rec, FailOverrideMismatch,
			"junction override no longer matches a planned step"), true
	}

	m.setState(rec, models.StateHaveSteps)
	if route != nil && len(route.NavigationStages) > 0 {
		stages := route.NavigationStages
		if rec.HealedNavStages != nil {
			stages = rec.HealedNavStages
		}
		return []Directive{agentDirective(models.AgentTaskNavigate, &models.NavigateParams{
			StartURL: rec.DashboardURL,
			Stages:   stages,
		})}, true
	}
	return m.replayAfterNavigate(rec, in)
}

// replayAfterNavigate runs once the path-seed navigation landed: batch-replay
// the executed prefix, or go straight to the forced step.
func (m *Machine) replayAfterNavigate(rec *models.SessionRecord, _ Input) ([]Directive, bool) {
	if rec.StepIndex == 0 {
		return m.nextStep(rec), true
	}
	m.setState(rec, models.StateExecutingStep)
	prefix := make([]models.Stage, rec.StepIndex)
	copy(prefix, rec.Stages[:rec.StepIndex])
	return []Directive{agentDirective(models.AgentTaskExecSteps,
		&models.ExecStepsParams{Steps: prefix})}, true
}

// ─────────────────────────────────────────────────────────────
// Shared helpers
// ─────────────────────────────────────────────────────────────

func (m *Machine) setState(rec *models.SessionRecord, state models.SessionState) {
	rec.State = state
	rec.Phase = models.PhaseOf(state)
}

func (m *Machine) fail(rec *models.SessionRecord, code, text string) []Directive {
	m.setState(rec, models.StateFailed)
	rec.LastError = text
	rec.InflightTask = ""
	return []Directive{finalizeDirective(models.SessionStatusFailed, code, text)}
}

// nextStep dispatches the step at the current index, or moves to page
// verification when the plan is spent.
func (m *Machine) nextStep(rec *models.SessionRecord) []Directive {
	if rec.StepIndex >= len(rec.Stages) {
		m.setState(rec, models.StateAllStepsDone)
		return []Directive{agentDirective(models.AgentTaskExtractDOM, struct{}{})}
	}
	m.setState(rec, models.StateExecutingStep)
	return []Directive{agentDirective(models.AgentTaskExecStep,
		&models.ExecStepParams{Step: rec.Stages[rec.StepIndex]})}
}

// dispatchBackground marks the task in flight and emits its directive.
func (m *Machine) dispatchBackground(rec *models.SessionRecord, name models.BackgroundTaskName, args any) []Directive {
	rec.InflightTask = string(name)
	return []Directive{backgroundDirective(name, args)}
}

func (m *Machine) regenerateArgs(rec *models.SessionRecord) *models.RegenerateStepsArgs {
	args := &models.RegenerateStepsArgs{}
	if len(rec.LastResult) > 0 {
		var last struct {
			DOMHTML       string `json:"dom_html"`
			ScreenshotKey string `json:"screenshot_key"`
		}
		if err := json.Unmarshal(rec.LastResult, &last); err == nil {
			args.DOMHTML = last.DOMHTML
			args.ScreenshotKey = last.ScreenshotKey
		}
	}
	return args
}

// recordExecuted appends the executed step, tagging and updating junction
// bookkeeping when the step drove a tracked junction.
func (m *Machine) recordExecuted(rec *models.SessionRecord, step models.Stage, r *models.ExecStepResult) {
	executed := models.ExecutedStep{Stage: step}

	if j := m.junctionBySelector(rec, step.Selector); j != nil && step.Value != "" {
		executed.IsJunction = true
		executed.JunctionName = j.ID
		executed.ChosenOption = step.Value
		executed.AllOptions = sortedOptionNames(j)

		outcome := j.Options[step.Value]
		if outcome == nil {
			outcome = &models.OptionOutcome{}
			if j.Options == nil {
				j.Options = make(map[string]*models.OptionOutcome)
			}
			j.Options[step.Value] = outcome
		}
		outcome.Tested = true
		if r.FieldsChangedHint != nil {
			revealed := *r.FieldsChangedHint
			outcome.RevealedNewFields = &revealed
		}
	}

	rec.ExecutedSteps = append(rec.ExecutedSteps, executed)
}

func (m *Machine) junctionBySelector(rec *models.SessionRecord, selector string) *models.Junction {
	if rec.PathTracker == nil {
		return nil
	}
	for _, j := range rec.PathTracker.Junctions {
		if j.Selector == selector {
			return j
		}
	}
	return nil
}

// retagJunction follows a locator heal so the tracker keeps matching the
// patched step.
func (m *Machine) retagJunction(rec *models.SessionRecord, oldSelector, newSelector string) {
	if newSelector == "" || oldSelector == newSelector {
		return
	}
	if j := m.junctionBySelector(rec, oldSelector); j != nil {
		j.Selector = newSelector
	}
	if rec.PathInstruction != nil {
		for i := range rec.PathInstruction.Overrides {
			if rec.PathInstruction.Overrides[i].Selector == oldSelector {
				rec.PathInstruction.Overrides[i].Selector = newSelector
			}
		}
	}
}

// foldJunctions merges the planner's junction candidates into the tracker.
// Junction identity is the selector; re-planning the same form must not
// duplicate entries.
func (m *Machine) foldJunctions(rec *models.SessionRecord, candidates []models.JunctionCandidate) {
	if len(candidates) == 0 {
		return
	}
	if rec.PathTracker == nil {
		rec.PathTracker = models.NewPathTracker()
	}
	for _, c := range candidates {
		if existing := m.junctionBySelector(rec, c.Selector); existing != nil {
			existing.StepIndex = c.StepIndex
			continue
		}
		options := make(map[string]*models.OptionOutcome, len(c.Options))
		for _, name := range c.Options {
			options[name] = &models.OptionOutcome{}
		}
		rec.PathTracker.Junctions[c.Selector] = &models.Junction{
			ID:        c.Selector,
			Selector:  c.Selector,
			Type:      c.Type,
			StepIndex: c.StepIndex,
			Options:   options,
			Status:    models.JunctionUnknown,
		}
	}
}

// applyOverrides forces the instructed option values into the step list.
// Returns false when any override has no matching step at or past the reset
// index — the fail-closed branch.
func (m *Machine) applyOverrides(rec *models.SessionRecord) bool {
	if rec.PathInstruction == nil {
		return true
	}
	for _, o := range rec.PathInstruction.Overrides {
		matched := false
		for i := rec.PathInstruction.ResetStepIndex; i < len(rec.Stages); i++ {
			if rec.Stages[i].Selector == o.Selector {
				rec.Stages[i].Value = o.Option
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// checkOverrides re-verifies the active overrides still bind to a step.
// Called after recoveries mutate the step list.
func (m *Machine) checkOverrides(rec *models.SessionRecord) bool {
	if rec.PathInstruction == nil {
		return true
	}
	for _, o := range rec.PathInstruction.Overrides {
		matched := false
		for i := rec.PathInstruction.ResetStepIndex; i < len(rec.Stages); i++ {
			if rec.Stages[i].Selector == o.Selector && rec.Stages[i].Value == o.Option {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// spliceCorrections inserts pre-steps before the failed step and shifts the
// tracker's step indexes past the insertion point.
func (m *Machine) spliceCorrections(rec *models.SessionRecord, corrections []models.Stage) {
	if len(corrections) == 0 {
		return
	}
	stages := make([]models.Stage, 0, len(rec.Stages)+len(corrections))
	stages = append(stages, rec.Stages[:rec.StepIndex]...)
	stages = append(stages, corrections...)
	stages = append(stages, rec.Stages[rec.StepIndex:]...)
	rec.Stages = stages
	renumber(rec.Stages)

	if rec.PathTracker != nil {
		for _, j := range rec.PathTracker.Junctions {
			if j.StepIndex >= rec.StepIndex {
				j.StepIndex += len(corrections)
			}
		}
	}
}

// commitPath records the finished path in the tracker from the executed
// steps' junction tags.
func (m *Machine) commitPath(rec *models.SessionRecord, resultID string) {
	if rec.PathTracker == nil {
		rec.PathTracker = models.NewPathTracker()
	}
	choices := make(map[string]string)
	var order []string
	for _, s := range rec.ExecutedSteps {
		if s.IsJunction {
			if _, seen := choices[s.JunctionName]; !seen {
				order = append(order, s.JunctionName)
			}
			choices[s.JunctionName] = s.ChosenOption
		}
	}
	rec.PathTracker.CompletedPaths = append(rec.PathTracker.CompletedPaths, models.CompletedPath{
		PathNumber:      rec.PathNumber,
		JunctionChoices: choices,
		JunctionSteps:   order,
		ResultID:        resultID,
	})
}

func (m *Machine) markVerified(rec *models.SessionRecord, field string) {
	if field == "" {
		return
	}
	for _, f := range rec.VerifiedFields {
		if f == field {
			return
		}
	}
	rec.VerifiedFields = append(rec.VerifiedFields, field)
}

func stagesEqual(a, b []models.Stage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Action != b[i].Action || a[i].Selector != b[i].Selector || a[i].Value != b[i].Value {
			return false
		}
	}
	return true
}

func renumber(stages []models.Stage) {
	for i := range stages {
		stages[i].StepNumber = i + 1
	}
}

func truncateExecuted(steps []models.ExecutedStep, n int) []models.ExecutedStep {
	if len(steps) <= n {
		return steps
	}
	return steps[:n]
}

func sortedOptionNames(j *models.Junction) []string {
	names := make([]string, 0, len(j.Options))
	for name := range j.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stepLabel(rec *models.SessionRecord) string {
	return fmt.Sprintf("%d/%d", rec.StepIndex+1, len(rec.Stages))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinLimited(items []string, max int) string {
	if len(items) > max {
		items = items[:max]
	}
	out := ""
	for i, s := range items {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}
