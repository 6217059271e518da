package models

// JunctionType classifies the form input that forks the path.
type JunctionType string

const (
	JunctionDropdown      JunctionType = "dropdown"
	JunctionRadio         JunctionType = "radio"
	JunctionCheckboxGroup JunctionType = "checkbox_group"
)

// JunctionStatus is the evaluator's current belief about an input.
type JunctionStatus string

const (
	// JunctionUnknown: just discovered, nothing tested yet.
	JunctionUnknown JunctionStatus = "unknown"
	// JunctionUncertain: tested, no option revealed new fields yet, options remain.
	JunctionUncertain JunctionStatus = "uncertain"
	// JunctionConfirmed: at least one option revealed new fields.
	JunctionConfirmed JunctionStatus = "confirmed"
	// JunctionNotAJunction: enough options tested with no field change;
	// treated as an ordinary field from here on.
	JunctionNotAJunction JunctionStatus = "not_a_junction"
)

// OptionOutcome records what testing one junction option showed.
// RevealedNewFields is nil until the option has actually been driven.
type OptionOutcome struct {
	Tested            bool  `json:"tested"`
	RevealedNewFields *bool `json:"revealed_new_fields"`
}

// Junction is one path-forking input tracked across paths.
type Junction struct {
	ID               string                    `json:"id"`
	Selector         string                    `json:"selector"`
	Type             JunctionType              `json:"type"`
	StepIndex        int                       `json:"step_index"`
	Options          map[string]*OptionOutcome `json:"options"`
	Status           JunctionStatus            `json:"status"`
	ParentJunctionID string                    `json:"parent_junction_id,omitempty"`
	ParentOption     string                    `json:"parent_option,omitempty"`
}

// TestedCount returns how many options have been driven so far.
func (j *Junction) TestedCount() int {
	n := 0
	for _, o := range j.Options {
		if o != nil && o.Tested {
			n++
		}
	}
	return n
}

// UntestedOptions returns option names not yet driven, in no particular order.
func (j *Junction) UntestedOptions() []string {
	var out []string
	for name, o := range j.Options {
		if o == nil || !o.Tested {
			out = append(out, name)
		}
	}
	return out
}

// CompletedPath records one committed junction-choice combination.
// JunctionSteps preserves the order the junctions were driven in.
type CompletedPath struct {
	PathNumber      int               `json:"path_number"`
	JunctionChoices map[string]string `json:"junction_choices"` // junction id → option
	JunctionSteps   []string          `json:"junction_steps"`   // ordered junction ids
	ResultID        string            `json:"result_id,omitempty"`
}

// PathTracker is the per-session junction ledger. Owned exclusively by the
// session; serialized as one JSON field on the fast-store record.
type PathTracker struct {
	Junctions      map[string]*Junction `json:"junctions"`
	CompletedPaths []CompletedPath      `json:"completed_paths"`
}

// NewPathTracker returns an empty tracker.
func NewPathTracker() *PathTracker {
	return &PathTracker{Junctions: make(map[string]*Junction)}
}

// Junction returns the tracked junction with the given id, or nil.
func (t *PathTracker) Junction(id string) *Junction {
	if t == nil || t.Junctions == nil {
		return nil
	}
	return t.Junctions[id]
}

// JunctionOverride forces one junction to a concrete option during replay.
type JunctionOverride struct {
	JunctionID string `json:"junction_id"`
	Selector   string `json:"selector"`
	Option     string `json:"option"`
}

// PathInstruction is the evaluator's "run another path" decision: drive the
// target junction to the given option, with ancestor overrides included so
// nested junctions replay in the same context. ResetStepIndex is the step
// index to rewind to (just before the earliest overridden junction).
type PathInstruction struct {
	TargetJunctionID string             `json:"target_junction_id"`
	Overrides        []JunctionOverride `json:"overrides"`
	ResetStepIndex   int                `json:"reset_step_index"`
}

// PathDecision is the evaluator's verdict after a path commits.
type PathDecision struct {
	Done bool             `json:"done"`
	Next *PathInstruction `json:"next,omitempty"`
	// Reason is a short machine phrase for logs ("max_paths_reached",
	// "all_junctions_exhausted", "untested_option").
	Reason string `json:"reason,omitempty"`
}
