package models

// Action is a browser operation the agent knows how to perform.
type Action string

const (
	ActionFill            Action = "fill"
	ActionClick           Action = "click"
	ActionSelect          Action = "select"
	ActionCheck           Action = "check"
	ActionUncheck         Action = "uncheck"
	ActionHover           Action = "hover"
	ActionScroll          Action = "scroll"
	ActionWait            Action = "wait"
	ActionAcceptAlert     Action = "accept_alert"
	ActionDismissAlert    Action = "dismiss_alert"
	ActionWaitDOMReady    Action = "wait_dom_ready"
	ActionVerifyClickable Action = "verify_clickables"
	ActionVerifyLoginPage Action = "verify_login_page"
	ActionVerify          Action = "verify"
)

// Terminal reports whether a failed step of this action is a test-assertion
// failure (not recoverable) rather than a candidate for the recovery
// classifier.
func (a Action) Terminal() bool {
	return a == ActionVerify
}

// AlertAction reports whether this action targets a browser alert dialog.
// Failures of alert actions mean "no alert present" and advance silently.
func (a Action) AlertAction() bool {
	return a == ActionAcceptAlert || a == ActionDismissAlert
}

// Stage is the smallest executable unit consumed by the agent.
type Stage struct {
	StepNumber  int    `json:"step_number"`
	Action      Action `json:"action"`
	Selector    string `json:"selector"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
	FullXPath   string `json:"full_xpath,omitempty"`
}

// ExecutedStep is a stage after the agent ran it, tagged with junction
// metadata where the step drove a junction choice. This is the shape
// persisted in mapping result rows.
type ExecutedStep struct {
	Stage
	IsJunction   bool     `json:"is_junction,omitempty"`
	JunctionName string   `json:"junction_name,omitempty"`
	ChosenOption string   `json:"chosen_option,omitempty"`
	AllOptions   []string `json:"all_options,omitempty"`
}
