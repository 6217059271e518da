// Package activitylog takes agent log batches in: small batches fan out to
// rows inline, oversized ones are parked in object storage behind a
// presigned PUT and ingested by a forms worker.
package activitylog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/objectstore"
)

// Sink writes log rows.
type Sink interface {
	InsertBatch(ctx context.Context, tenantID, sessionID, agentID string, entries []models.LogEntry) (int, error)
	Tail(ctx context.Context, sessionID string, limit int) ([]*models.ActivityLog, error)
}

// Presigner issues the upload URL for an oversized batch.
type Presigner interface {
	PresignPut(ctx context.Context, tenantID, key, contentType string) (string, error)
}

// Enqueuer hands the parked bundle to a forms worker.
type Enqueuer interface {
	EnqueueBackground(ctx context.Context, env *models.BackgroundTaskEnvelope) error
}

// Ingestor is the log intake front.
type Ingestor struct {
	sink      Sink
	presigner Presigner
	queue     Enqueuer
	threshold int
}

// NewIngestor wires the intake. threshold comes from
// logging.batch_threshold_bytes.
func NewIngestor(sink Sink, presigner Presigner, queue Enqueuer, cfg *config.LoggingConfig) *Ingestor {
	return &Ingestor{
		sink:      sink,
		presigner: presigner,
		queue:     queue,
		threshold: cfg.BatchThresholdBytes,
	}
}

// SubmitBatch handles one inline batch. Batches over the threshold are
// redirected: the response carries a presigned PUT URL and the object key
// the agent must report back through BundlePosted.
func (i *Ingestor) SubmitBatch(ctx context.Context, tenantID, projectID, agentID string, req *models.LogBatchRequest) (*models.LogBatchResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("log batch missing session_id")
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to size log batch: %w", err)
	}
	if len(raw) > i.threshold {
		key := objectstore.BuildKey(objectstore.KindLogBundle, tenantID, projectID, req.SessionID,
			fmt.Sprintf("bundle-%s.json", uuid.NewString()))
		url, err := i.presigner.PresignPut(ctx, tenantID, key, "application/json")
		if err != nil {
			return nil, fmt.Errorf("failed to presign log bundle upload: %w", err)
		}
		slog.Debug("Redirecting oversized log batch to object storage",
			"session_id", req.SessionID,
			"size_bytes", len(raw),
			"threshold", i.threshold)
		return &models.LogBatchResponse{UploadURL: url, ObjectKey: key}, nil
	}

	inserted, err := i.sink.InsertBatch(ctx, tenantID, req.SessionID, agentID, req.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to insert log batch: %w", err)
	}
	slog.Debug("Log batch ingested inline",
		"session_id", req.SessionID, "entries", inserted)
	return &models.LogBatchResponse{OK: true}, nil
}

// BundlePosted queues the fan-out of a parked bundle. The key must be
// tenant-scoped; a forged key from another tenant is rejected here, before
// any fetch.
func (i *Ingestor) BundlePosted(ctx context.Context, tenantID, agentID string, posted *models.LogBundlePosted) error {
	if posted.SessionID == "" || posted.ObjectKey == "" {
		return fmt.Errorf("bundle notification missing session_id or object_key")
	}
	if err := objectstore.ValidateKey(posted.ObjectKey, tenantID); err != nil {
		return fmt.Errorf("rejecting log bundle key %s: %w", posted.ObjectKey, err)
	}

	args, err := json.Marshal(&models.IngestLogBundleArgs{
		ObjectKey: posted.ObjectKey,
		TenantID:  tenantID,
		AgentID:   agentID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bundle args: %w", err)
	}
	return i.queue.EnqueueBackground(ctx, &models.BackgroundTaskEnvelope{
		TaskName:     models.TaskIngestLogBundle,
		SessionID:    posted.SessionID,
		Args:         args,
		DispatchedAt: time.Now(),
	})
}

// Tail returns the newest entries for a session in chronological order.
func (i *Ingestor) Tail(ctx context.Context, sessionID string, limit int) ([]*models.ActivityLog, error) {
	return i.sink.Tail(ctx, sessionID, limit)
}
