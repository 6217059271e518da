package faststore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formscout/formscout/pkg/models"
)

// sessionKey builds the hash key for one session record.
func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// saveSessionScript writes the record fields only if the stored
// session_version still matches the expected one. A missing key counts as
// version 0 so first writes use expected = 0. Returns 1 on success.
var saveSessionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'session_version')
if not cur then cur = '0' end
if tonumber(cur) ~= tonumber(ARGV[1]) then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// SaveSession writes the record through the version CAS. expectedVersion is
// the version the caller read (0 for a brand-new record); the record's own
// Version field carries the new value. ErrVersionConflict means another
// intake won the race and the caller must reload.
func (c *Client) SaveSession(ctx context.Context, rec *models.SessionRecord, expectedVersion int64, ttl time.Duration) error {
	fields, err := sessionRecordFields(rec)
	if err != nil {
		return err
	}
	args := make([]interface{}, 0, 2+len(fields))
	args = append(args, expectedVersion, int(ttl.Seconds()))
	args = append(args, fields...)

	ok, err := saveSessionScript.Run(ctx, c.rdb, []string{sessionKey(rec.SessionID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	if ok != 1 {
		return ErrVersionConflict
	}
	return nil
}

// LoadSession reads and decodes a session record, or ErrNotFound when the
// key expired or never existed.
func (c *Client) LoadSession(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	raw, err := c.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return sessionRecordFromFields(sessionID, raw)
}

// DeleteSession removes the fast-store copy. The Postgres row persists.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// sessionRecordFields flattens a record into alternating field/value pairs
// for the CAS script. Structured fields are stored as JSON strings so the
// hash matches the documented session-record shape.
func sessionRecordFields(rec *models.SessionRecord) ([]interface{}, error) {
	stages, err := json.Marshal(rec.Stages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stages: %w", err)
	}
	executed, err := json.Marshal(rec.ExecutedSteps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal executed steps: %w", err)
	}
	verified, err := json.Marshal(rec.VerifiedFields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verified fields: %w", err)
	}
	tracker, err := json.Marshal(rec.PathTracker)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal path tracker: %w", err)
	}
	instruction, err := json.Marshal(rec.PathInstruction)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal path instruction: %w", err)
	}
	healedLogin, err := json.Marshal(rec.HealedLoginStages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal healed login stages: %w", err)
	}
	healedNav, err := json.Marshal(rec.HealedNavStages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal healed nav stages: %w", err)
	}
	issues, err := json.Marshal(rec.UIIssues)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ui issues: %w", err)
	}

	return []interface{}{
		"tenant_id", rec.TenantID,
		"user_id", rec.UserID,
		"form_route_id", rec.FormRouteID,
		"activity_type", string(rec.ActivityType),
		"test_case_text", rec.TestCaseText,
		"base_url", rec.BaseURL,
		"dashboard_url", rec.DashboardURL,
		"phase", string(rec.Phase),
		"state", string(rec.State),
		"step_index", strconv.Itoa(rec.StepIndex),
		"retry_count", strconv.Itoa(rec.RetryCount),
		"recovery_count", strconv.Itoa(rec.RecoveryCount),
		"parse_failures", strconv.Itoa(rec.ParseFailures),
		"path_number", strconv.Itoa(rec.PathNumber),
		"last_error", rec.LastError,
		"last_ai_decision", rec.LastAIDecision,
		"stages_updated", strconv.FormatBool(rec.StagesUpdated),
		"stages", string(stages),
		"executed_steps", string(executed),
		"already_verified_fields", string(verified),
		"path_tracker", string(tracker),
		"healed_login_stages", string(healedLogin),
		"healed_nav_stages", string(healedNav),
		"ui_issues", string(issues),
		"inflight_task", rec.InflightTask,
		"path_instruction", string(instruction),
		"last_agent_result", string(rec.LastResult),
		"session_version", strconv.FormatInt(rec.Version, 10),
	}, nil
}

func sessionRecordFromFields(sessionID string, raw map[string]string) (*models.SessionRecord, error) {
	rec := &models.SessionRecord{
		SessionID:      sessionID,
		TenantID:       raw["tenant_id"],
		UserID:         raw["user_id"],
		FormRouteID:    raw["form_route_id"],
		ActivityType:   models.ActivityType(raw["activity_type"]),
		TestCaseText:   raw["test_case_text"],
		BaseURL:        raw["base_url"],
		DashboardURL:   raw["dashboard_url"],
		Phase:          models.Phase(raw["phase"]),
		State:          models.SessionState(raw["state"]),
		LastError:      raw["last_error"],
		LastAIDecision: raw["last_ai_decision"],
		InflightTask:   raw["inflight_task"],
	}

	var err error
	if rec.StepIndex, err = atoiField(raw, "step_index"); err != nil {
		return nil, err
	}
	if rec.RetryCount, err = atoiField(raw, "retry_count"); err != nil {
		return nil, err
	}
	if rec.RecoveryCount, err = atoiField(raw, "recovery_count"); err != nil {
		return nil, err
	}
	if rec.ParseFailures, err = atoiField(raw, "parse_failures"); err != nil {
		return nil, err
	}
	if rec.PathNumber, err = atoiField(raw, "path_number"); err != nil {
		return nil, err
	}
	rec.StagesUpdated = raw["stages_updated"] == "true"
	if v := raw["session_version"]; v != "" {
		if rec.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("corrupt session_version for %s: %w", sessionID, err)
		}
	}

	if err := unmarshalField(raw, "stages", &rec.Stages); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "executed_steps", &rec.ExecutedSteps); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "already_verified_fields", &rec.VerifiedFields); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "path_tracker", &rec.PathTracker); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "path_instruction", &rec.PathInstruction); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "healed_login_stages", &rec.HealedLoginStages); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "healed_nav_stages", &rec.HealedNavStages); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "ui_issues", &rec.UIIssues); err != nil {
		return nil, err
	}
	if v := raw["last_agent_result"]; v != "" && v != "null" {
		rec.LastResult = json.RawMessage(v)
	}
	return rec, nil
}

func atoiField(raw map[string]string, field string) (int, error) {
	v := raw[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt session field %s: %w", field, err)
	}
	return n, nil
}

func unmarshalField(raw map[string]string, field string, dst interface{}) error {
	v := raw[field]
	if v == "" || v == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("corrupt session field %s: %w", field, err)
	}
	return nil
}
