package models

import "time"

// ExecutionError carries the machine-readable code and human detail attached
// to rejected and failed results.
type ExecutionError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ExecutionResult is the audit record produced by exactly one intent
// execution attempt. It is created once, never mutated afterwards, and
// persisted atomically with the snapshot it produced (when it produced one).
type ExecutionResult struct {
	RequestID       string           `json:"request_id"`
	UserID          string           `json:"user_id,omitempty"`
	ActionID        string           `json:"action_id"`
	Status          ExecutionStatus  `json:"status"`
	Timestamp       time.Time        `json:"timestamp"`
	ExecutionTimeMS float64          `json:"execution_time_ms,omitempty"`
	Cost            float64          `json:"cost,omitempty"`
	Message         string           `json:"message,omitempty"`
	StateSnapshotID string           `json:"state_snapshot_id"`
	StateDiff       []StateDiffEntry `json:"state_diff,omitempty"`
	Error           *ExecutionError  `json:"error,omitempty"`
	Simulated       bool             `json:"simulated,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`

	// SimulatedState threads the would-be component map into the next step of
	// a simulated plan. Never persisted.
	SimulatedState map[string]map[string]any `json:"-"`
}
