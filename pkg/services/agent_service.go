package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/formscout/pkg/models"
)

const agentColumns = `id, tenant_id, user_id, api_key, status, hostname, platform, version,
	last_heartbeat, created_at, updated_at`

// AgentService manages agent registration, authentication and liveness.
type AgentService struct {
	db *sql.DB
}

// NewAgentService creates a new AgentService
func NewAgentService(db *sql.DB) *AgentService {
	return &AgentService{db: db}
}

// Register creates a new agent and issues its API key, or re-registers a
// known agent without rotating the key. The key appears only in this
// response; it is stored but never returned by any other call.
func (s *AgentService) Register(httpCtx context.Context, req models.RegisterAgentRequest) (*models.RegisterAgentResponse, error) {
	if req.TenantID == "" {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if req.AgentID != "" {
		existing, err := s.GetByID(ctx, req.AgentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			if existing.UserID != req.UserID || existing.TenantID != req.TenantID {
				return nil, NewValidationError("agent_id", "registered to a different owner")
			}
			_, err := s.db.ExecContext(ctx,
				`UPDATE agents SET status = $1, hostname = $2, platform = $3, version = $4,
					last_heartbeat = now(), updated_at = now() WHERE id = $5`,
				models.AgentStatusOnline, req.Hostname, req.Platform, req.Version, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to re-register agent: %w", err)
			}
			return &models.RegisterAgentResponse{AgentID: existing.ID, APIKey: existing.APIKey}, nil
		}
	}

	id := req.AgentID
	if id == "" {
		id = "agt_" + uuid.New().String()
	}
	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, tenant_id, user_id, api_key, status, hostname, platform, version, last_heartbeat)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		id, req.TenantID, req.UserID, key, models.AgentStatusOnline, req.Hostname, req.Platform, req.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	return &models.RegisterAgentResponse{AgentID: id, APIKey: key}, nil
}

// GetByAPIKey authenticates an agent by its key.
func (s *AgentService) GetByAPIKey(ctx context.Context, apiKey string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key = $1`, apiKey)
	return scanAgent(row)
}

// GetByID retrieves an agent by ID.
func (s *AgentService) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// GetByUserID returns the agent owned by a user, if any. One agent per user.
func (s *AgentService) GetByUserID(ctx context.Context, userID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID)
	return scanAgent(row)
}

// Heartbeat refreshes agent liveness.
func (s *AgentService) Heartbeat(ctx context.Context, agentID string, status models.AgentStatus) error {
	switch status {
	case models.AgentStatusOnline, models.AgentStatusBusy, models.AgentStatusOffline:
	default:
		return NewValidationError("status", "must be online, busy, or offline")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $1, last_heartbeat = now(), updated_at = now() WHERE id = $2`,
		status, agentID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepOffline marks agents whose last heartbeat is older than the cutoff as
// offline. Returns how many agents were flipped.
func (s *AgentService) SweepOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $1, updated_at = now()
		 WHERE status <> $1 AND (last_heartbeat IS NULL OR last_heartbeat < $2)`,
		models.AgentStatusOffline, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep offline agents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept agents: %w", err)
	}
	return n, nil
}

// RotateKey issues a fresh API key, invalidating the old one immediately.
func (s *AgentService) RotateKey(ctx context.Context, agentID string) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET api_key = $1, updated_at = now() WHERE id = $2`, key, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to rotate agent key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return key, nil
}

// newAPIKey returns a 64-char hex key from 32 random bytes.
func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.TenantID, &a.UserID, &a.APIKey, &a.Status, &a.Hostname,
		&a.Platform, &a.Version, &a.LastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}
