// Package models contains request/response models and business domain types.
package models

import "time"

// AgentStatus represents the reported liveness of a remote agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a customer-side browser-driving process. One agent per user.
// The API key is issued at registration and never returned again.
type Agent struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	UserID        string      `json:"user_id"`
	APIKey        string      `json:"-"`
	Status        AgentStatus `json:"status"`
	Hostname      string      `json:"hostname"`
	Platform      string      `json:"platform"`
	Version       string      `json:"version"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// RegisterAgentRequest contains fields for registering an agent.
// A known agent_id re-registers without rotating the key.
type RegisterAgentRequest struct {
	AgentID  string `json:"agent_id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// RegisterAgentResponse is the only place the api key appears in a response.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// HeartbeatRequest updates agent liveness.
type HeartbeatRequest struct {
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
}
