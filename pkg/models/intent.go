package models

import (
	"errors"
	"time"
)

var (
	ErrIntentMissingAction   = errors.New("action_call requires action_id and inputs")
	ErrIntentHasQuestion     = errors.New("action_call intents must not include a question")
	ErrIntentMissingQuestion = errors.New("clarification_request requires question")
	ErrIntentHasAction       = errors.New("clarification_request must not include action_id or inputs")
	ErrIntentUnknownType     = errors.New("unknown intent type")
)

// Media is an optional attachment carried on an intent. The engine hashes
// the payload into result metadata; raw bytes never reach the audit log.
type Media struct {
	Type     MediaType `json:"type"`
	MimeType string    `json:"mime_type,omitempty"`
	Data     []byte    `json:"data,omitempty"`
}

// ChatIntent is the structured request produced by an agent adapter or a
// trigger source. It is either an action call or a clarification request.
type ChatIntent struct {
	Type          IntentType     `json:"type"`
	RequestID     string         `json:"request_id"`
	Timestamp     time.Time      `json:"timestamp,omitzero"`
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty"`
	ActionID      string         `json:"action_id,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Confirmed     bool           `json:"confirmed,omitempty"`
	Question      string         `json:"question,omitempty"`
	Choices       []string       `json:"choices,omitempty"`
	Media         *Media         `json:"media,omitempty"`
	Trace         map[string]any `json:"trace,omitempty"`
}

// Validate enforces the shape rules for each intent type.
func (i ChatIntent) Validate() error {
	switch i.Type {
	case IntentActionCall:
		if i.ActionID == "" || i.Inputs == nil {
			return ErrIntentMissingAction
		}
		if i.Question != "" {
			return ErrIntentHasQuestion
		}
	case IntentClarificationRequest:
		if i.Question == "" {
			return ErrIntentMissingQuestion
		}
		if i.ActionID != "" || i.Inputs != nil {
			return ErrIntentHasAction
		}
	default:
		return ErrIntentUnknownType
	}
	return nil
}

// ExecutionPlan is an ordered list of intents executed sequentially under a
// single mode policy.
type ExecutionPlan struct {
	PlanID string       `json:"plan_id"`
	Steps  []ChatIntent `json:"steps"`
}

// Mode returns the plan's execution mode, taken from the first step.
func (p ExecutionPlan) Mode() ExecutionMode {
	if len(p.Steps) > 0 && p.Steps[0].ExecutionMode != "" {
		return p.Steps[0].ExecutionMode
	}
	return ModeAssisted
}
