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

const formRouteColumns = `id, project_id, network_id, name, parent_form_id, login_stages,
	navigation_stages, input_values, spec_document, verification_asset_key, created_at, updated_at`

// FormRouteService manages the shared form definitions. Sessions read them;
// only the path-commit phase writes healed stages back.
type FormRouteService struct {
	db *sql.DB
}

// NewFormRouteService creates a new FormRouteService
func NewFormRouteService(db *sql.DB) *FormRouteService {
	return &FormRouteService{db: db}
}

// Create persists a new form route.
func (s *FormRouteService) Create(httpCtx context.Context, route *models.FormRoute) (*models.FormRoute, error) {
	if route.ProjectID == "" {
		return nil, NewValidationError("project_id", "required")
	}
	if route.NetworkID == "" {
		return nil, NewValidationError("network_id", "required")
	}
	if route.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	login, err := marshalStages(route.LoginStages)
	if err != nil {
		return nil, err
	}
	nav, err := marshalStages(route.NavigationStages)
	if err != nil {
		return nil, err
	}
	inputs := route.InputValues
	if inputs == nil {
		inputs = map[string]string{}
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input values: %w", err)
	}

	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO form_routes (id, project_id, network_id, name, parent_form_id, login_stages,
			navigation_stages, input_values, spec_document, verification_asset_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+formRouteColumns,
		id, route.ProjectID, route.NetworkID, route.Name, route.ParentFormID,
		login, nav, inputsJSON, route.SpecDocument, route.VerificationAssetKey)
	created, err := scanFormRoute(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create form route: %w", err)
	}
	return created, nil
}

// Get retrieves a form route by ID.
func (s *FormRouteService) Get(ctx context.Context, id string) (*models.FormRoute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+formRouteColumns+` FROM form_routes WHERE id = $1`, id)
	route, err := scanFormRoute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get form route: %w", err)
	}
	return route, nil
}

// ListByProject returns the project's routes for one network.
func (s *FormRouteService) ListByProject(ctx context.Context, projectID, networkID string) ([]*models.FormRoute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+formRouteColumns+` FROM form_routes
		 WHERE project_id = $1 AND network_id = $2 ORDER BY created_at`, projectID, networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list form routes: %w", err)
	}
	defer rows.Close()

	var routes []*models.FormRoute
	for rows.Next() {
		route, err := scanFormRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan form route: %w", err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// SaveHealedStages overwrites the recorded stage lists with the versions a
// session actually replayed. A nil slice leaves that list untouched.
func (s *FormRouteService) SaveHealedStages(ctx context.Context, id string, login, navigation []models.Stage) error {
	if login == nil && navigation == nil {
		return nil
	}

	set := "updated_at = now()"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if login != nil {
		payload, err := marshalStages(login)
		if err != nil {
			return err
		}
		set += ", login_stages = " + arg(payload)
	}
	if navigation != nil {
		payload, err := marshalStages(navigation)
		if err != nil {
			return err
		}
		set += ", navigation_stages = " + arg(payload)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE form_routes SET "+set+" WHERE id = "+arg(id), args...)
	if err != nil {
		return fmt.Errorf("failed to save healed stages: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalStages(stages []models.Stage) ([]byte, error) {
	if stages == nil {
		stages = []models.Stage{}
	}
	payload, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stages: %w", err)
	}
	return payload, nil
}

func scanFormRoute(row rowScanner) (*models.FormRoute, error) {
	var (
		r      models.FormRoute
		login  []byte
		nav    []byte
		inputs []byte
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.NetworkID, &r.Name, &r.ParentFormID,
		&login, &nav, &inputs, &r.SpecDocument, &r.VerificationAssetKey,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(login, &r.LoginStages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal login stages: %w", err)
	}
	if err := json.Unmarshal(nav, &r.NavigationStages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal navigation stages: %w", err)
	}
	if err := json.Unmarshal(inputs, &r.InputValues); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input values: %w", err)
	}
	return &r, nil
}
