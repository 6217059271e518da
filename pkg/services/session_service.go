package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/formscout/pkg/models"
)

const sessionColumns = `id, tenant_id, user_id, project_id, network_id, activity_type,
	form_route_id, test_page_id, status, failure_code, failure_text, test_case_text,
	base_url, dashboard_url, config_snapshot, created_at, updated_at, completed_at`

// SessionService manages the authoritative mapping session rows.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

// Create validates the request and persists a pending session row.
func (s *SessionService) Create(httpCtx context.Context, req models.CreateSessionRequest) (*models.MappingSession, error) {
	if req.TenantID == "" {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "required")
	}
	if req.NetworkID == "" {
		return nil, NewValidationError("network_id", "required")
	}
	if req.BaseURL == "" {
		return nil, NewValidationError("base_url", "required")
	}
	switch req.ActivityType {
	case models.ActivityFormMapping:
		if req.FormRouteID == "" {
			return nil, NewValidationError("form_route_id", "required for form_mapping")
		}
	case models.ActivityDynamicContent:
		if req.TestPageID == "" {
			return nil, NewValidationError("test_page_id", "required for dynamic_content")
		}
	case models.ActivityLogoutMapping:
	default:
		return nil, NewValidationError("activity_type", "unknown activity type")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO mapping_sessions (id, tenant_id, user_id, project_id, network_id, activity_type,
			form_route_id, test_page_id, status, test_case_text, base_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+sessionColumns,
		id, req.TenantID, req.UserID, req.ProjectID, req.NetworkID, req.ActivityType,
		nullable(req.FormRouteID), nullable(req.TestPageID), models.SessionStatusPending,
		req.TestCaseText, req.BaseURL)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Get retrieves a session by ID.
func (s *SessionService) Get(ctx context.Context, id string) (*models.MappingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM mapping_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List returns sessions matching the filters, newest first.
func (s *SessionService) List(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	where := "WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.TenantID != "" {
		where += " AND tenant_id = " + arg(filters.TenantID)
	}
	if filters.UserID != "" {
		where += " AND user_id = " + arg(filters.UserID)
	}
	if filters.Status != "" {
		where += " AND status = " + arg(filters.Status)
	}
	if filters.ActivityType != "" {
		where += " AND activity_type = " + arg(filters.ActivityType)
	}
	if filters.StartedAfter != nil {
		where += " AND created_at >= " + arg(*filters.StartedAfter)
	}
	if filters.StartedBefore != nil {
		where += " AND created_at <= " + arg(*filters.StartedBefore)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM mapping_sessions "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + sessionColumns + " FROM mapping_sessions " + where +
		" ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.MappingSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateStatus moves the durable row. Terminal statuses also stamp
// completed_at. A terminal row never transitions again.
func (s *SessionService) UpdateStatus(httpCtx context.Context, id string, status models.SessionStatus, failureCode, failureText string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	completed := "NULL"
	if status.Terminal() {
		completed = "now()"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mapping_sessions SET status = $1, failure_code = $2, failure_text = $3,
			updated_at = now(), completed_at = `+completed+`
		 WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
		status, failureCode, failureText, id,
		models.SessionStatusCompleted, models.SessionStatusFailed, models.SessionStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Unknown ID or already terminal. Distinguish for the caller.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTerminal
	}
	return nil
}

// SetDashboardURL records the post-login landing URL discovered by the agent.
func (s *SessionService) SetDashboardURL(ctx context.Context, id, dashboardURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mapping_sessions SET dashboard_url = $1, updated_at = now() WHERE id = $2`,
		dashboardURL, id)
	if err != nil {
		return fmt.Errorf("failed to set dashboard url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConfigSnapshot stores the effective configuration the session ran with.
func (s *SessionService) SetConfigSnapshot(ctx context.Context, id string, snapshot []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mapping_sessions SET config_snapshot = $1, updated_at = now() WHERE id = $2`,
		snapshot, id)
	if err != nil {
		return fmt.Errorf("failed to set config snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepTimeouts fails non-terminal sessions created before the cutoff and
// returns their IDs so the caller can finalize the fast-store records.
func (s *SessionService) SweepTimeouts(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE mapping_sessions SET status = $1, failure_code = 'timeout',
			failure_text = 'session exceeded its time budget',
			updated_at = now(), completed_at = now()
		 WHERE status IN ($2, $3) AND created_at < $4
		 RETURNING id`,
		models.SessionStatusFailed, models.SessionStatusPending,
		models.SessionStatusInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep timed-out sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan swept session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row rowScanner) (*models.MappingSession, error) {
	var (
		m      models.MappingSession
		config []byte
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.ProjectID, &m.NetworkID, &m.ActivityType,
		&m.FormRouteID, &m.TestPageID, &m.Status, &m.FailureCode, &m.FailureText,
		&m.TestCaseText, &m.BaseURL, &m.DashboardURL, &config,
		&m.CreatedAt, &m.UpdatedAt, &m.CompletedAt)
	if err != nil {
		return nil, err
	}
	m.Config = config
	return &m, nil
}

// nullable maps "" to SQL NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
