// Package policy models the per-project governance document: rate and budget
// limits, execution windows, approval thresholds, dynamic role mappings and
// ad-hoc rules. The document is stored as loose JSON and parsed tolerantly;
// malformed entries are skipped rather than failing the whole document.
package policy

import (
	"encoding/json"

	"warden/pkg/models"
)

// Rate caps successful executions per trailing window.
type Rate struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
}

// Budget caps the summed cost of successful executions since UTC midnight.
// Daily is a pointer so zero can be expressed as a real limit.
type Budget struct {
	Daily *float64 `json:"daily,omitempty"`
}

// Limits groups the numeric caps.
type Limits struct {
	Rate   Rate   `json:"rate,omitempty"`
	Budget Budget `json:"budget,omitempty"`
}

// Window allows execution on the listed days between Hours[0] and Hours[1]
// inclusive, compared as "HH:MM" strings in UTC. Days are lowercase
// three-letter abbreviations.
type Window struct {
	Days  []string `json:"days,omitempty"`
	Hours []string `json:"hours,omitempty"`
}

// ExecutionWindows is the allow-list of windows; empty means always allowed.
type ExecutionWindows struct {
	Allowed []Window `json:"allowed,omitempty"`
}

// ApprovalRule routes expensive actions to a pending-approval state unless
// the caller holds RequiredRole or the intent is pre-confirmed.
type ApprovalRule struct {
	MinCost      float64 `json:"min_cost,omitempty"`
	RequiredRole string  `json:"required_role,omitempty"`
}

// RoleMapping grants Role to any user whose profile satisfies Condition.
type RoleMapping struct {
	Role      string `json:"role"`
	Condition string `json:"condition"`
}

// Rule effects.
const (
	EffectReject          = "reject"
	EffectRequireApproval = "require_approval"
)

// Rule is an ad-hoc condition evaluated against the execution context
// (state, inputs, action_id, roles, user).
type Rule struct {
	ID        string `json:"id"`
	Condition string `json:"condition"`
	Effect    string `json:"effect"`
	Message   string `json:"message,omitempty"`
}

// Complete reports whether the rule has enough fields to evaluate.
// Incomplete rules are ignored.
func (r Rule) Complete() bool {
	return r.ID != "" && r.Condition != "" && (r.Effect == EffectReject || r.Effect == EffectRequireApproval)
}

// Document is the full parsed policy for one project.
type Document struct {
	Limits           Limits           `json:"limits,omitempty"`
	ExecutionWindows ExecutionWindows `json:"execution_windows,omitempty"`
	Approvals        []ApprovalRule   `json:"approvals,omitempty"`
	RoleMappings     []RoleMapping    `json:"role_mappings,omitempty"`
	Rules            []Rule           `json:"rules,omitempty"`
}

// RequiredRoleOrDefault returns the approval rule's role, defaulting to admin.
func (a ApprovalRule) RequiredRoleOrDefault() string {
	if a.RequiredRole == "" {
		return models.RoleAdmin
	}
	return a.RequiredRole
}

// Parse decodes a loose policy map into a Document. Unknown keys are ignored
// and type mismatches drop the offending section rather than erroring; an
// empty or nil map yields the zero Document, which gates nothing.
func Parse(raw map[string]any) Document {
	var doc Document
	if len(raw) == 0 {
		return doc
	}
	// round-trip through JSON for tolerant coercion
	b, err := json.Marshal(raw)
	if err != nil {
		return doc
	}
	_ = json.Unmarshal(b, &doc)
	doc.RoleMappings = filterMappings(doc.RoleMappings)
	return doc
}

func filterMappings(in []RoleMapping) []RoleMapping {
	out := in[:0]
	for _, m := range in {
		if m.Role != "" && m.Condition != "" {
			out = append(out, m)
		}
	}
	return out
}

// ValidRole reports whether the token is one of the three known roles.
func ValidRole(role string) bool {
	switch role {
	case models.RoleViewer, models.RoleOperator, models.RoleAdmin:
		return true
	}
	return false
}

// HasRole reports whether roles contains want.
func HasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// Intersects reports whether any required role is held. An empty requirement
// always passes.
func Intersects(held, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if HasRole(held, r) {
			return true
		}
	}
	return false
}
