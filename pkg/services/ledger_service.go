package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/formscout/formscout/pkg/models"
)

const ledgerColumns = `tenant_id, access_status, access_model, daily_budget, spent_today,
	daily_reset_date, trial_start, trial_days, updated_at`

// LedgerService manages the durable per-tenant budget ledgers. The budget
// gate reads the ledger for access decisions and flushes the fast-store
// spend counters back here.
type LedgerService struct {
	db *sql.DB
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// GetLedger retrieves a tenant's ledger.
func (s *LedgerService) GetLedger(ctx context.Context, tenantID string) (*models.BudgetLedger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM budget_ledgers WHERE tenant_id = $1`, tenantID)
	ledger, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get budget ledger: %w", err)
	}
	return ledger, nil
}

// UpsertSpend writes the rolled-up daily spend for a tenant. date is the
// counter's UTC day; a stale flush for a previous day is still recorded so
// the rollup never loses money already spent.
func (s *LedgerService) UpsertSpend(ctx context.Context, tenantID, date string, spent float64) error {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return NewValidationError("date", "must be YYYY-MM-DD")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE budget_ledgers SET spent_today = $1, daily_reset_date = $2, updated_at = now()
		 WHERE tenant_id = $3 AND daily_reset_date <= $2`,
		spent, day, tenantID)
	if err != nil {
		return fmt.Errorf("failed to upsert spend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Tenant without a ledger never passed the gate; nothing to roll up.
		return nil
	}
	return nil
}

// Provision creates or replaces a tenant's access record. Admin path.
func (s *LedgerService) Provision(httpCtx context.Context, ledger *models.BudgetLedger) error {
	if ledger.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	switch ledger.AccessModel {
	case models.AccessModelBYOK, models.AccessModelEarlyAccess:
	default:
		return NewValidationError("access_model", "must be byok or early_access")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_ledgers (tenant_id, access_status, access_model, daily_budget,
			trial_start, trial_days)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			access_status = EXCLUDED.access_status,
			access_model = EXCLUDED.access_model,
			daily_budget = EXCLUDED.daily_budget,
			trial_start = EXCLUDED.trial_start,
			trial_days = EXCLUDED.trial_days,
			updated_at = now()`,
		ledger.TenantID, ledger.AccessState, ledger.AccessModel, ledger.DailyBudget,
		ledger.TrialStart, ledger.TrialDays)
	if err != nil {
		return fmt.Errorf("failed to provision budget ledger: %w", err)
	}
	return nil
}

func scanLedger(row rowScanner) (*models.BudgetLedger, error) {
	var l models.BudgetLedger
	err := row.Scan(&l.TenantID, &l.AccessState, &l.AccessModel, &l.DailyBudget,
		&l.SpentToday, &l.ResetDate, &l.TrialStart, &l.TrialDays, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
