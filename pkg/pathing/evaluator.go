// Package pathing decides whether a session needs more junction paths and
// which option to force next. The evaluator is pure: it reads the tracker,
// mutates junction statuses, and returns a decision. It never touches the
// store or the model.
package pathing

import (
	"sort"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
)

// Decision reason phrases, kept short for logs.
const (
	ReasonMaxPaths  = "max_paths_reached"
	ReasonExhausted = "all_junctions_exhausted"
	ReasonUntested  = "untested_option"
)

// Evaluator applies the exploration caps to a session's path tracker.
type Evaluator struct {
	cfg *config.PathingConfig
}

// NewEvaluator creates an evaluator with the given caps.
func NewEvaluator(cfg *config.PathingConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate refreshes junction statuses and nesting on the tracker, then
// decides whether another path is needed. The goal is ~N+1 paths for N
// junctions, not the combinatorial product.
func (e *Evaluator) Evaluate(tracker *models.PathTracker) *models.PathDecision {
	if tracker == nil || len(tracker.Junctions) == 0 {
		return &models.PathDecision{Done: true, Reason: ReasonExhausted}
	}

	for _, j := range tracker.Junctions {
		e.refreshStatus(j)
	}
	e.detectNesting(tracker)

	if len(tracker.CompletedPaths) >= e.cfg.MaxPaths {
		return &models.PathDecision{Done: true, Reason: ReasonMaxPaths}
	}

	target, option := e.selectNext(tracker)
	if target == nil {
		return &models.PathDecision{Done: true, Reason: ReasonExhausted}
	}

	next := e.buildInstruction(tracker, target, option)
	return &models.PathDecision{Next: next, Reason: ReasonUntested}
}

// refreshStatus recomputes one junction's status from its option outcomes.
func (e *Evaluator) refreshStatus(j *models.Junction) {
	if j.Status == models.JunctionNotAJunction {
		return
	}

	tested, revealed, noReveal := 0, 0, 0
	for _, o := range j.Options {
		if o == nil || !o.Tested {
			continue
		}
		tested++
		if o.RevealedNewFields != nil && *o.RevealedNewFields {
			revealed++
		} else if o.RevealedNewFields != nil {
			noReveal++
		}
	}

	if revealed > 0 {
		j.Status = models.JunctionConfirmed
		return
	}

	// Large dropdowns: three dead options is enough evidence that this is a
	// country list, not a fork.
	if len(j.Options) > e.cfg.LargeDropdownThreshold && noReveal >= 3 {
		j.Status = models.JunctionNotAJunction
		return
	}

	budget := e.testBudget(j)
	if tested >= budget && noReveal == tested && tested > 0 {
		j.Status = models.JunctionNotAJunction
		return
	}

	if tested > 0 {
		j.Status = models.JunctionUncertain
		return
	}
	j.Status = models.JunctionUnknown
}

// testBudget is how many options this junction may be driven on in total.
func (e *Evaluator) testBudget(j *models.Junction) int {
	budget := e.cfg.MaxOptionsToTest
	if n := len(j.Options); n < budget {
		budget = n
	}
	return budget
}

// detectNesting correlates junction choices across completed paths: if B
// appears only in paths where A held one specific option, and B sits after A
// in step order, then B is revealed by that option of A.
func (e *Evaluator) detectNesting(tracker *models.PathTracker) {
	if len(tracker.CompletedPaths) < 2 {
		return
	}

	for bID, b := range tracker.Junctions {
		if b.ParentJunctionID != "" {
			continue
		}
		for aID, a := range tracker.Junctions {
			if aID == bID || b.StepIndex <= a.StepIndex {
				continue
			}

			parentOption := ""
			consistent := true
			appearances := 0
			absences := 0
			for _, path := range tracker.CompletedPaths {
				_, hasB := path.JunctionChoices[bID]
				aChoice, hasA := path.JunctionChoices[aID]
				if !hasB {
					absences++
					continue
				}
				appearances++
				if !hasA {
					consistent = false
					break
				}
				if parentOption == "" {
					parentOption = aChoice
				} else if parentOption != aChoice {
					consistent = false
					break
				}
			}

			// B must be conditional: present somewhere, absent somewhere.
			if consistent && appearances > 0 && absences > 0 && parentOption != "" {
				b.ParentJunctionID = aID
				b.ParentOption = parentOption
				break
			}
		}
	}
}

// selectNext picks the junction and option to force on the next path.
// Uncertain junctions outrank unknown ones, which outrank confirmed ones: a
// junction that already proved itself is worth less than one still in doubt.
func (e *Evaluator) selectNext(tracker *models.PathTracker) (*models.Junction, string) {
	rank := func(s models.JunctionStatus) int {
		switch s {
		case models.JunctionUncertain:
			return 0
		case models.JunctionUnknown:
			return 1
		case models.JunctionConfirmed:
			return 2
		default:
			return 3
		}
	}

	ids := make([]string, 0, len(tracker.Junctions))
	for id := range tracker.Junctions {
		ids = append(ids, id)
	}
	// Deterministic order: status rank, then step index, then id.
	sort.Slice(ids, func(x, y int) bool {
		a, b := tracker.Junctions[ids[x]], tracker.Junctions[ids[y]]
		if ra, rb := rank(a.Status), rank(b.Status); ra != rb {
			return ra < rb
		}
		if a.StepIndex != b.StepIndex {
			return a.StepIndex < b.StepIndex
		}
		return ids[x] < ids[y]
	})

	for _, id := range ids {
		j := tracker.Junctions[id]
		if j.Status == models.JunctionNotAJunction {
			continue
		}
		if j.TestedCount() >= e.testBudget(j) {
			continue
		}
		if option := e.nextOption(j); option != "" {
			return j, option
		}
	}
	return nil, ""
}

// nextOption returns the first eligible untested option in sorted order.
// Options past the per-junction consideration cap are never driven.
func (e *Evaluator) nextOption(j *models.Junction) string {
	names := make([]string, 0, len(j.Options))
	for name := range j.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > e.cfg.MaxOptionsForJunction {
		names = names[:e.cfg.MaxOptionsForJunction]
	}
	for _, name := range names {
		o := j.Options[name]
		if o == nil || !o.Tested {
			return name
		}
	}
	return ""
}

// buildInstruction assembles the replay seed: the target override plus the
// ancestor chain, rewound to just before the earliest forced junction.
func (e *Evaluator) buildInstruction(tracker *models.PathTracker, target *models.Junction, option string) *models.PathInstruction {
	overrides := []models.JunctionOverride{{
		JunctionID: target.ID,
		Selector:   target.Selector,
		Option:     option,
	}}
	reset := target.StepIndex

	// Walk up so nested junctions replay in the context that revealed them.
	seen := map[string]bool{target.ID: true}
	for cur := target; cur.ParentJunctionID != ""; {
		parent := tracker.Junction(cur.ParentJunctionID)
		if parent == nil || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		overrides = append(overrides, models.JunctionOverride{
			JunctionID: parent.ID,
			Selector:   parent.Selector,
			Option:     cur.ParentOption,
		})
		if parent.StepIndex < reset {
			reset = parent.StepIndex
		}
		cur = parent
	}

	// Earliest junction first, matching replay order.
	sort.Slice(overrides, func(x, y int) bool {
		jx := tracker.Junction(overrides[x].JunctionID)
		jy := tracker.Junction(overrides[y].JunctionID)
		return jx.StepIndex < jy.StepIndex
	})

	return &models.PathInstruction{
		TargetJunctionID: target.ID,
		Overrides:        overrides,
		ResetStepIndex:   reset,
	}
}
