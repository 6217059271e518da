// Package budget gates every AI model call on the tenant's access status
// and daily spend. The check-and-reserve is atomic per tenant: a forecast
// charge is reserved before the call and settled to the observed cost after,
// so a day's recorded spend never exceeds the budget by more than one
// forecast.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/secrets"
)

// AccessDeniedError rejects a tenant before any budget math: no active
// access, expired trial, unfunded early access, or BYOK without a key.
type AccessDeniedError struct {
	TenantID string
	Reason   string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for tenant %s: %s", e.TenantID, e.Reason)
}

// BudgetExceededError rejects a call that would push the tenant past its
// daily budget. The rejected call leaves the spend counter unchanged.
type BudgetExceededError struct {
	TenantID string
	Spent    float64
	Forecast float64
	Budget   float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily budget exceeded for tenant %s: spent %.4f + forecast %.4f >= budget %.4f",
		e.TenantID, e.Spent, e.Forecast, e.Budget)
}

// LedgerSource loads the durable per-tenant access record.
type LedgerSource interface {
	GetLedger(ctx context.Context, tenantID string) (*models.BudgetLedger, error)
	UpsertSpend(ctx context.Context, tenantID, date string, spent float64) error
}

// SpendStore is the fast-store subset holding the atomic counters and the
// short-TTL access-record cache.
type SpendStore interface {
	ReserveSpend(ctx context.Context, tenantID, today string, forecast, budget float64) (bool, float64, error)
	SettleSpend(ctx context.Context, tenantID string, forecast, cost float64) (float64, error)
	ScanSpendCounters(ctx context.Context) ([]faststore.SpendSnapshot, error)
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetCache(ctx context.Context, key string) ([]byte, error)
}

// KeySource resolves the model api key for BYOK tenants.
type KeySource interface {
	Get(ctx context.Context, tenantID string, kind secrets.Kind, networkID string) (string, error)
	Exists(ctx context.Context, tenantID string, kind secrets.Kind, networkID string) (bool, error)
}

// Allowance is a successful gate decision: the key to call with and the
// forecast amount reserved against the daily budget.
type Allowance struct {
	TenantID  string
	APIKey    string
	Forecast  float64
	Remaining float64
}

// Gate is the single checkpoint in front of every model call.
type Gate struct {
	ledgers      LedgerSource
	store        SpendStore
	keys         KeySource
	model        *config.ModelConfig
	systemAPIKey string // server-funded key for early-access tenants

	accessCacheTTL time.Duration
	now            func() time.Time
}

// NewGate wires the budget gate. systemAPIKey is the server-funded fallback
// used for early-access tenants.
func NewGate(ledgers LedgerSource, store SpendStore, keys KeySource, model *config.ModelConfig, systemAPIKey string) *Gate {
	return &Gate{
		ledgers:        ledgers,
		store:          store,
		keys:           keys,
		model:          model,
		systemAPIKey:   systemAPIKey,
		accessCacheTTL: time.Minute,
		now:            time.Now,
	}
}

// ForecastCost is the worst-case charge reserved before a call.
func (g *Gate) ForecastCost() float64 {
	return g.cost(g.model.ForecastInputTokens, g.model.ForecastOutputTokens)
}

func (g *Gate) cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*g.model.InputPricePerMTok +
		float64(outputTokens)/1e6*g.model.OutputPricePerMTok
}

// Check runs the full gate: access, trial window, key material, and the
// atomic daily-budget reserve. On success the returned Allowance must be
// settled with RecordUsage or Rollback.
func (g *Gate) Check(ctx context.Context, tenantID string) (*Allowance, error) {
	ledger, err := g.loadLedger(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if ledger.AccessState != models.AccessActive {
		return nil, &AccessDeniedError{TenantID: tenantID, Reason: "access status " + string(ledger.AccessState)}
	}
	now := g.now()
	if ledger.TrialExpired(now) {
		return nil, &AccessDeniedError{TenantID: tenantID, Reason: "early access trial expired"}
	}

	var apiKey string
	switch ledger.AccessModel {
	case models.AccessModelBYOK:
		apiKey, err = g.keys.Get(ctx, tenantID, secrets.KindAPIKey, "")
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return nil, &AccessDeniedError{TenantID: tenantID, Reason: "no stored api key"}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tenant api key: %w", err)
		}
	case models.AccessModelEarlyAccess:
		if ledger.DailyBudget <= 0 {
			return nil, &AccessDeniedError{TenantID: tenantID, Reason: "no funded daily budget"}
		}
		apiKey = g.systemAPIKey
	default:
		return nil, &AccessDeniedError{TenantID: tenantID, Reason: "unknown access model " + string(ledger.AccessModel)}
	}

	forecast := g.ForecastCost()
	allowed, spent, err := g.store.ReserveSpend(ctx, tenantID, dateOf(now), forecast, ledger.DailyBudget)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve budget: %w", err)
	}
	if !allowed {
		return nil, &BudgetExceededError{
			TenantID: tenantID,
			Spent:    spent,
			Forecast: forecast,
			Budget:   ledger.DailyBudget,
		}
	}

	return &Allowance{
		TenantID:  tenantID,
		APIKey:    apiKey,
		Forecast:  forecast,
		Remaining: ledger.DailyBudget - spent - forecast,
	}, nil
}

// CheckAccess runs only the access portion of the gate (steps 1-2), without
// reserving budget. Session creation uses it to reject up front.
func (g *Gate) CheckAccess(ctx context.Context, tenantID string) error {
	ledger, err := g.loadLedger(ctx, tenantID)
	if err != nil {
		return err
	}
	if ledger.AccessState != models.AccessActive {
		return &AccessDeniedError{TenantID: tenantID, Reason: "access status " + string(ledger.AccessState)}
	}
	if ledger.TrialExpired(g.now()) {
		return &AccessDeniedError{TenantID: tenantID, Reason: "early access trial expired"}
	}
	if ledger.AccessModel == models.AccessModelEarlyAccess && ledger.DailyBudget <= 0 {
		return &AccessDeniedError{TenantID: tenantID, Reason: "no funded daily budget"}
	}
	if ledger.AccessModel == models.AccessModelBYOK {
		ok, err := g.keys.Exists(ctx, tenantID, secrets.KindAPIKey, "")
		if err != nil {
			return fmt.Errorf("failed to check tenant api key: %w", err)
		}
		if !ok {
			return &AccessDeniedError{TenantID: tenantID, Reason: "no stored api key"}
		}
	}
	return nil
}

// RecordUsage settles an allowance with the observed token counts and
// returns the recorded cost.
func (g *Gate) RecordUsage(ctx context.Context, allowance *Allowance, inputTokens, outputTokens int64) (float64, error) {
	cost := g.cost(inputTokens, outputTokens)
	spent, err := g.store.SettleSpend(ctx, allowance.TenantID, allowance.Forecast, cost)
	if err != nil {
		return 0, fmt.Errorf("failed to record usage: %w", err)
	}
	slog.Debug("Recorded AI usage",
		"tenant_id", allowance.TenantID,
		"input_tokens", inputTokens,
		"output_tokens", outputTokens,
		"cost", cost,
		"spent_today", spent)
	return cost, nil
}

// Rollback releases an allowance whose call never produced usage.
func (g *Gate) Rollback(ctx context.Context, allowance *Allowance) error {
	if _, err := g.store.SettleSpend(ctx, allowance.TenantID, allowance.Forecast, 0); err != nil {
		return fmt.Errorf("failed to roll back reservation: %w", err)
	}
	return nil
}

// Flush persists every fast-store spend counter into budget_ledgers.
// Idempotent; safe to run from multiple pods.
func (g *Gate) Flush(ctx context.Context) error {
	counters, err := g.store.ScanSpendCounters(ctx)
	if err != nil {
		return err
	}
	for _, c := range counters {
		if err := g.ledgers.UpsertSpend(ctx, c.TenantID, c.Date, c.Spent); err != nil {
			return fmt.Errorf("failed to flush spend for tenant %s: %w", c.TenantID, err)
		}
	}
	return nil
}

func accessCacheKey(tenantID string) string {
	return "access:" + tenantID
}

// loadLedger serves the access record from the short-TTL cache, falling
// back to Postgres.
func (g *Gate) loadLedger(ctx context.Context, tenantID string) (*models.BudgetLedger, error) {
	if raw, err := g.store.GetCache(ctx, accessCacheKey(tenantID)); err == nil {
		var ledger models.BudgetLedger
		if err := json.Unmarshal(raw, &ledger); err == nil {
			return &ledger, nil
		}
	}

	ledger, err := g.ledgers.GetLedger(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(ledger); err == nil {
		if err := g.store.SetCache(ctx, accessCacheKey(tenantID), raw, g.accessCacheTTL); err != nil {
			slog.Warn("Failed to cache access record", "tenant_id", tenantID, "error", err)
		}
	}
	return ledger, nil
}

func dateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
