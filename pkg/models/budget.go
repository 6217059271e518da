package models

import "time"

// AccessStatus gates whether a tenant may use AI at all.
type AccessStatus string

const (
	AccessActive   AccessStatus = "active"
	AccessPending  AccessStatus = "pending"
	AccessRejected AccessStatus = "rejected"
)

// AccessModel selects who pays for model calls.
type AccessModel string

const (
	// AccessModelBYOK: the tenant supplies their own model api key and pays
	// the vendor directly.
	AccessModelBYOK AccessModel = "byok"
	// AccessModelEarlyAccess: time-limited trial with a server-funded daily
	// budget.
	AccessModelEarlyAccess AccessModel = "early_access"
)

// BudgetLedger is the per-tenant spend record. SpentToday is mirrored by a
// fast-store counter for atomic reserve; this row is the durable rollup.
type BudgetLedger struct {
	TenantID    string       `json:"tenant_id"`
	AccessState AccessStatus `json:"access_status"`
	AccessModel AccessModel  `json:"access_model"`
	DailyBudget float64      `json:"daily_budget"` // USD; 0 = unfunded
	SpentToday  float64      `json:"spent_today"`
	ResetDate   time.Time    `json:"daily_reset_date"`
	TrialStart  *time.Time   `json:"trial_start,omitempty"`
	TrialDays   int          `json:"trial_days,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TrialExpired reports whether an early-access trial has run out.
func (l *BudgetLedger) TrialExpired(now time.Time) bool {
	if l.AccessModel != AccessModelEarlyAccess || l.TrialStart == nil {
		return false
	}
	return now.After(l.TrialStart.AddDate(0, 0, l.TrialDays))
}
