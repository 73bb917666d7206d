package models

import "time"

// Role names recognized by the engine. Ordering is viewer < operator < admin.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Project scopes snapshots, audit history, facts, policy, webhooks and
// schedules. Archived projects reject all execution.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
}

// UserProfile is the resolved identity bound as `user` in role-mapping and
// policy-rule conditions.
type UserProfile struct {
	ID         string         `json:"id"`
	FullName   string         `json:"full_name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Webhook binds an HMAC-signed external trigger to one action.
type Webhook struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	ActionID       string            `json:"action_id"`
	Secret         string            `json:"secret"`
	Enabled        bool              `json:"enabled"`
	InputsTemplate map[string]string `json:"inputs_template,omitempty"`
}

// Schedule is a recurring trigger. NextRun is the claim watermark: the
// scheduler executes a due schedule and advances NextRun by Every.
type Schedule struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	ActionID  string         `json:"action_id"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Every     time.Duration  `json:"every"`
	NextRun   time.Time      `json:"next_run"`
	Enabled   bool           `json:"enabled"`
}
