package models

import "time"

// FormRoute is a named form plus the stages that reach it from the post-login
// dashboard. Shared across sessions; only the commit phase mutates it.
type FormRoute struct {
	ID                   string            `json:"id"`
	ProjectID            string            `json:"project_id"`
	NetworkID            string            `json:"network_id"`
	Name                 string            `json:"name"`
	ParentFormID         *string           `json:"parent_form_id,omitempty"`
	LoginStages          []Stage           `json:"login_stages,omitempty"`
	NavigationStages     []Stage           `json:"navigation_stages,omitempty"`
	InputValues          map[string]string `json:"input_values,omitempty"`
	SpecDocument         string            `json:"spec_document,omitempty"`
	VerificationAssetKey string            `json:"verification_asset_key,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// MappingResult is the durable output of one completed path.
// Unique per (form_route_id, path_number).
type MappingResult struct {
	ID             string         `json:"id"`
	FormRouteID    string         `json:"form_route_id"`
	SessionID      string         `json:"session_id"`
	PathNumber     int            `json:"path_number"`
	Steps          []ExecutedStep `json:"steps"`
	VerifiedFields []string       `json:"verified_fields,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
