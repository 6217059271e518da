package models

// RecoveryKind is the failure classifier's verdict for a failed step.
type RecoveryKind string

const (
	// RecoveryLocatorChanged: same element, new selector. Immediate retry.
	RecoveryLocatorChanged RecoveryKind = "locator_changed"
	// RecoveryPageGeneral: 404 / blank page / network unreachable heuristics.
	// Bounded wait-and-retry.
	RecoveryPageGeneral RecoveryKind = "page_general_error"
	// RecoveryNeedHealing: the remaining plan no longer fits the page;
	// regenerate from current DOM.
	RecoveryNeedHealing RecoveryKind = "need_healing"
	// RecoveryCorrectionSteps: prerequisite steps were missed; splice them in
	// before the failed step.
	RecoveryCorrectionSteps RecoveryKind = "correction_steps"
)

// RecoveryDecision is the structured output of analyze_failure_and_recover.
type RecoveryDecision struct {
	Kind            RecoveryKind `json:"kind"`
	NewSelector     string       `json:"new_selector,omitempty"`
	NewFullXPath    string       `json:"new_full_xpath,omitempty"`
	CorrectionSteps []Stage      `json:"correction_steps,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

// JunctionCandidate is a path-forking input the step generator noticed while
// planning. The orchestrator folds these into the session's PathTracker.
type JunctionCandidate struct {
	Selector  string       `json:"selector"`
	Type      JunctionType `json:"type"`
	StepIndex int          `json:"step_index"`
	Options   []string     `json:"options"`
}

// StepPlan is the structured output of analyze_form_page and
// regenerate_steps.
type StepPlan struct {
	Steps          []Stage             `json:"steps"`
	Junctions      []JunctionCandidate `json:"junctions,omitempty"`
	CriticalFields []string            `json:"critical_fields,omitempty"`
}

// FieldCheck is one field's verdict from the result-page verification.
type FieldCheck struct {
	Field    string `json:"field"`
	Passed   bool   `json:"passed"`
	Severity string `json:"severity,omitempty"` // info, warning, critical
	Note     string `json:"note,omitempty"`
}

// PageVerifyReport is the structured output of verify_page_visual.
type PageVerifyReport struct {
	PageReady bool         `json:"page_ready"`
	Fields    []FieldCheck `json:"fields"`
}

// Failed returns the checks that did not pass.
func (r *PageVerifyReport) Failed() []FieldCheck {
	var out []FieldCheck
	for _, f := range r.Fields {
		if !f.Passed {
			out = append(out, f)
		}
	}
	return out
}

// VisualCheckReport is the output of verify_ui_visual and
// verify_dynamic_step_visual. Issues is empty when the page is clean;
// Blocking flags loading screens, 404s, or expired sessions that should halt
// the step instead of recording a defect.
type VisualCheckReport struct {
	Issues   string `json:"issues,omitempty"`
	Blocking bool   `json:"blocking,omitempty"`
	Detail   string `json:"detail,omitempty"`
}
