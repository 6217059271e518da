package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/formscout/formscout/pkg/models"
)

// maxDOMBytes caps the DOM excerpt sent to the model. Forms live near the
// top of the document on every system we have seen, so a head slice is
// enough.
const maxDOMBytes = 150_000

const plannerSystem = `You are a web-form mapping planner. You receive the DOM of a form page
plus the values to enter, and you produce the ordered browser steps that fill
and submit the form. Respond with a single JSON object, no prose:
{
  "steps": [{"step_number": 1, "action": "fill|click|select|check|uncheck|hover|scroll|wait|accept_alert|dismiss_alert|wait_dom_ready|verify", "selector": "...", "value": "...", "description": "...", "full_xpath": "..."}],
  "junctions": [{"selector": "...", "type": "dropdown|radio|checkbox_group", "step_index": 0, "options": ["..."]}],
  "critical_fields": ["..."]
}
List under "junctions" every input whose chosen value may change which other
fields are visible. "critical_fields" are the fields that must appear on the
result page for the submission to count as correct.`

const recoverySystem = `You are a browser-automation failure analyst. A step failed; classify the
failure and respond with a single JSON object, no prose:
{
  "kind": "locator_changed|page_general_error|need_healing|correction_steps",
  "new_selector": "...",
  "new_full_xpath": "...",
  "correction_steps": [{"step_number": 1, "action": "...", "selector": "...", "value": "..."}],
  "reason": "..."
}
Use "locator_changed" when the element exists under a different selector,
"page_general_error" for 404s, blank pages, or network errors worth a
wait-and-retry, "need_healing" when the remaining plan no longer fits the
page, and "correction_steps" when prerequisite steps were missed.`

const visualSystem = `You are a UI reviewer checking one page state of a web form. Respond with a
single JSON object, no prose:
{"issues": "...", "blocking": false, "detail": "..."}
"issues" lists cosmetic or layout defects worth recording, empty when the
page is clean. Set "blocking" only for states that make the form unusable:
loading screens that never settle, 404s, or an expired-session page.`

const pageVerifySystem = `You are verifying the result page after a form submission. Respond with a
single JSON object, no prose:
{"page_ready": true, "fields": [{"field": "...", "passed": true, "severity": "info|warning|critical", "note": "..."}]}
Set "page_ready" false when the page is still loading or transitional. For
each expected field report whether the submitted value is reflected; mark
"critical" only when the mismatch means the submission failed.`

const pathReviewSystem = `You review a rule-based decision about which form path to explore next.
You receive the junction ledger and the proposed decision. Respond with a
single JSON object in the same decision shape, no prose:
{"done": false, "next": {"target_junction_id": "...", "overrides": [{"junction_id": "...", "selector": "...", "option": "..."}], "reset_step_index": 0}, "reason": "..."}
Only deviate from the proposal when it targets an option that the ledger
already shows tested, or when it misses an obvious untested branch.`

func plannerPrompt(rec *models.SessionRecord, route *models.FormRoute, domHTML string) string {
	var b strings.Builder
	if route != nil && route.SpecDocument != "" {
		fmt.Fprintf(&b, "Form specification:\n%s\n\n", route.SpecDocument)
	}
	if route != nil && len(route.InputValues) > 0 {
		values, _ := json.Marshal(route.InputValues)
		fmt.Fprintf(&b, "Values to enter (field name -> value):\n%s\n\n", values)
	}
	if rec.TestCaseText != "" {
		fmt.Fprintf(&b, "Test case:\n%s\n\n", rec.TestCaseText)
	}
	if rec.PathInstruction != nil {
		overrides, _ := json.Marshal(rec.PathInstruction.Overrides)
		fmt.Fprintf(&b, "This run must drive these junction choices:\n%s\n\n", overrides)
	}
	fmt.Fprintf(&b, "Page DOM:\n%s\n", clipDOM(domHTML))
	return b.String()
}

func regeneratePrompt(rec *models.SessionRecord, route *models.FormRoute, domHTML string) string {
	var b strings.Builder
	executed, _ := json.Marshal(rec.ExecutedSteps)
	fmt.Fprintf(&b, "The plan for this form stopped matching the page. Steps already executed:\n%s\n\n", executed)
	b.WriteString("Produce a fresh plan for the REMAINDER of the form only, starting from the current page state.\n\n")
	b.WriteString(plannerPrompt(rec, route, domHTML))
	return b.String()
}

func recoveryPrompt(args *models.AnalyzeFailureArgs) string {
	var b strings.Builder
	step, _ := json.Marshal(args.Step)
	fmt.Fprintf(&b, "Failed step:\n%s\n\nError:\n%s\n\n", step, args.Error)
	fmt.Fprintf(&b, "Recovery attempts so far this session: %d\n\n", args.RecoveryCount)
	if args.DOMHTML != "" {
		fmt.Fprintf(&b, "Page DOM at failure:\n%s\n", clipDOM(args.DOMHTML))
	}
	return b.String()
}

func visualPrompt(rec *models.SessionRecord, args *models.VerifyVisualArgs) string {
	var b strings.Builder
	if args.Description != "" {
		fmt.Fprintf(&b, "Expected state: %s\n\n", args.Description)
	}
	if len(args.PriorIssues) > 0 {
		issues, _ := json.Marshal(args.PriorIssues)
		fmt.Fprintf(&b, "Issues already recorded (do not repeat them):\n%s\n\n", issues)
	}
	if dom := lastDOM(rec); dom != "" {
		fmt.Fprintf(&b, "Current page DOM:\n%s\n", clipDOM(dom))
	}
	return b.String()
}

func pageVerifyPrompt(rec *models.SessionRecord, route *models.FormRoute) string {
	var b strings.Builder
	if route != nil && route.SpecDocument != "" {
		fmt.Fprintf(&b, "Form specification:\n%s\n\n", route.SpecDocument)
	}
	if route != nil && len(route.InputValues) > 0 {
		values, _ := json.Marshal(route.InputValues)
		fmt.Fprintf(&b, "Submitted values:\n%s\n\n", values)
	}
	if len(rec.VerifiedFields) > 0 {
		fields, _ := json.Marshal(rec.VerifiedFields)
		fmt.Fprintf(&b, "Fields already verified earlier in the run:\n%s\n\n", fields)
	}
	if dom := lastDOM(rec); dom != "" {
		fmt.Fprintf(&b, "Result page DOM:\n%s\n", clipDOM(dom))
	}
	return b.String()
}

func pathReviewPrompt(tracker *models.PathTracker, proposal *models.PathDecision) string {
	trackerJSON, _ := json.Marshal(tracker)
	proposalJSON, _ := json.Marshal(proposal)
	return fmt.Sprintf("Junction ledger:\n%s\n\nProposed decision:\n%s\n", trackerJSON, proposalJSON)
}

func clipDOM(dom string) string {
	if len(dom) <= maxDOMBytes {
		return dom
	}
	return dom[:maxDOMBytes]
}

// lastDOM pulls the dom_html field out of the last agent result, when the
// last result carried one.
func lastDOM(rec *models.SessionRecord) string {
	if len(rec.LastResult) == 0 {
		return ""
	}
	var last struct {
		DOMHTML string `json:"dom_html"`
	}
	if err := json.Unmarshal(rec.LastResult, &last); err != nil {
		return ""
	}
	return last.DOMHTML
}
