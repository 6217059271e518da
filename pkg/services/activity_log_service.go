package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/formscout/formscout/pkg/models"
)

// ActivityLogService persists agent-reported log lines.
type ActivityLogService struct {
	db *sql.DB
}

// NewActivityLogService creates a new ActivityLogService
func NewActivityLogService(db *sql.DB) *ActivityLogService {
	return &ActivityLogService{db: db}
}

// InsertBatch writes one agent batch in a single multi-row insert. Entries
// with no level default to info; entries with no message are dropped.
func (s *ActivityLogService) InsertBatch(ctx context.Context, tenantID, sessionID, agentID string, entries []models.LogEntry) (int, error) {
	if sessionID == "" {
		return 0, NewValidationError("session_id", "required")
	}

	var (
		placeholders []string
		args         []any
	)
	for _, e := range entries {
		if e.Message == "" {
			continue
		}
		level := e.Level
		if level == "" {
			level = "info"
		}
		var extra any
		if len(e.Extra) > 0 {
			extra = []byte(e.Extra)
		}
		base := len(args)
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args, tenantID, sessionID, agentID, e.Timestamp, level, e.Category, e.Message, extra)
	}
	if len(placeholders) == 0 {
		return 0, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_logs (tenant_id, session_id, agent_id, ts, level, category, message, extra)
		 VALUES `+strings.Join(placeholders, ", "), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert log batch: %w", err)
	}
	return len(placeholders), nil
}

// Tail returns the most recent entries for a session in chronological order.
func (s *ActivityLogService) Tail(ctx context.Context, sessionID string, limit int) ([]*models.ActivityLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, agent_id, ts, level, category, message, extra, created_at
		 FROM activity_logs WHERE session_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to tail activity logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.ActivityLog
	for rows.Next() {
		log, err := scanActivityLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to tail activity logs: %w", err)
	}

	// Query is newest-first for the LIMIT; flip to reading order.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

func scanActivityLog(rows *sql.Rows) (*models.ActivityLog, error) {
	var (
		l     models.ActivityLog
		extra []byte
	)
	err := rows.Scan(&l.ID, &l.TenantID, &l.SessionID, &l.AgentID, &l.Timestamp,
		&l.Level, &l.Category, &l.Message, &extra, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.Extra = extra
	return &l, nil
}
