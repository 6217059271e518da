package models

import (
	"encoding/json"
	"time"
)

// LogEntry is one structured line reported by an agent.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Category  string          `json:"category,omitempty"`
	Message   string          `json:"message"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// ActivityLog is the relational row for one log entry.
type ActivityLog struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenant_id"`
	SessionID string          `json:"session_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Category  string          `json:"category,omitempty"`
	Message   string          `json:"message"`
	Extra     json.RawMessage `json:"extra,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogBatchRequest is the agent's inline batch submission.
type LogBatchRequest struct {
	SessionID string     `json:"session_id"`
	ProjectID string     `json:"project_id,omitempty"`
	Entries   []LogEntry `json:"entries"`
}

// LogBatchResponse acknowledges an inline batch, or redirects an oversized
// one to a presigned upload. When UploadURL is set the agent PUTs the
// serialized batch there and then re-posts with ObjectKey set.
type LogBatchResponse struct {
	OK        bool   `json:"ok"`
	UploadURL string `json:"upload_url,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
}

// LogBundlePosted tells the server an oversized batch landed in object
// storage and is ready for fan-out.
type LogBundlePosted struct {
	SessionID string `json:"session_id"`
	ObjectKey string `json:"object_key"`
}
