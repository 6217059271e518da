package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/formscout/pkg/models"
)

const resultColumns = `id, form_route_id, session_id, path_number, steps, verified_fields, created_at`

// ResultService manages the durable mapping outputs, one row per completed
// path of a form route.
type ResultService struct {
	db *sql.DB
}

// NewResultService creates a new ResultService
func NewResultService(db *sql.DB) *ResultService {
	return &ResultService{db: db}
}

// Save persists one path result. Idempotent on (form_route_id, path_number):
// a replayed save returns the stored row with inserted=false and never
// duplicates or overwrites.
func (s *ResultService) Save(httpCtx context.Context, result *models.MappingResult) (*models.MappingResult, bool, error) {
	if result.FormRouteID == "" {
		return nil, false, NewValidationError("form_route_id", "required")
	}
	if result.SessionID == "" {
		return nil, false, NewValidationError("session_id", "required")
	}
	if result.PathNumber < 1 {
		return nil, false, NewValidationError("path_number", "must be >= 1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	steps := result.Steps
	if steps == nil {
		steps = []models.ExecutedStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal steps: %w", err)
	}
	fields := result.VerifiedFields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal verified fields: %w", err)
	}

	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO mapping_results (id, form_route_id, session_id, path_number, steps, verified_fields)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (form_route_id, path_number) DO NOTHING
		 RETURNING `+resultColumns,
		id, result.FormRouteID, result.SessionID, result.PathNumber, stepsJSON, fieldsJSON)
	saved, err := scanResult(row)
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to save mapping result: %w", err)
	}

	existing, err := s.GetByPath(ctx, result.FormRouteID, result.PathNumber)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByPath retrieves one path's result.
func (s *ResultService) GetByPath(ctx context.Context, formRouteID string, pathNumber int) (*models.MappingResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM mapping_results
		 WHERE form_route_id = $1 AND path_number = $2`, formRouteID, pathNumber)
	result, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mapping result: %w", err)
	}
	return result, nil
}

// ListByFormRoute returns all committed paths for a route in path order.
func (s *ResultService) ListByFormRoute(ctx context.Context, formRouteID string) ([]*models.MappingResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM mapping_results
		 WHERE form_route_id = $1 ORDER BY path_number`, formRouteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapping results: %w", err)
	}
	defer rows.Close()

	var results []*models.MappingResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func scanResult(row rowScanner) (*models.MappingResult, error) {
	var (
		r      models.MappingResult
		steps  []byte
		fields []byte
	)
	err := row.Scan(&r.ID, &r.FormRouteID, &r.SessionID, &r.PathNumber, &steps, &fields, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &r.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(fields, &r.VerifiedFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verified fields: %w", err)
	}
	return &r, nil
}
