// Package events publishes session progress over Redis pub/sub. Delivery is
// fire-and-forget: a dropped event costs a UI refresh, never a session
// transition, so publish failures are logged and swallowed.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/formscout/formscout/pkg/models"
)

// SessionChannel names the pub/sub channel for one session's progress.
func SessionChannel(sessionID string) string {
	return "events:session:" + sessionID
}

// ProgressEvent is the payload emitted after every committed state
// transition.
type ProgressEvent struct {
	SessionID  string              `json:"session_id"`
	State      models.SessionState `json:"state"`
	Phase      models.Phase        `json:"phase"`
	StepIndex  int                 `json:"step_index"`
	StepCount  int                 `json:"step_count"`
	PathNumber int                 `json:"path_number"`
	LastError  string              `json:"last_error,omitempty"`
	EmittedAt  time.Time           `json:"emitted_at"`
}

// Bus is the pub/sub surface the publisher needs. Satisfied by
// *faststore.Client.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Publisher emits progress events. The zero value is unusable; construct
// with NewPublisher.
type Publisher struct {
	bus Bus
	now func() time.Time
}

// NewPublisher wraps the bus.
func NewPublisher(bus Bus) *Publisher {
	return &Publisher{bus: bus, now: time.Now}
}

// PublishProgress emits the session's current position. Never returns an
// error: progress delivery is best effort.
func (p *Publisher) PublishProgress(ctx context.Context, rec *models.SessionRecord) {
	event := &ProgressEvent{
		SessionID:  rec.SessionID,
		State:      rec.State,
		Phase:      rec.Phase,
		StepIndex:  rec.StepIndex,
		StepCount:  len(rec.Stages),
		PathNumber: rec.PathNumber,
		LastError:  rec.LastError,
		EmittedAt:  p.now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal progress event", "session_id", rec.SessionID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, SessionChannel(rec.SessionID), payload); err != nil {
		slog.Warn("Failed to publish progress event", "session_id", rec.SessionID, "error", err)
	}
}
