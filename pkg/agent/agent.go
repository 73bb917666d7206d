// Package agent declares the contract between warden and a conversational
// agent. An adapter turns a natural-language message into a typed intent or
// plan; the engine consumes only that typed output and never inspects how it
// was produced.
package agent

import (
	"context"

	"warden/pkg/models"
)

// Turn is everything an adapter may draw on for one message.
type Turn struct {
	ProjectID     string
	UserID        string
	Message       string
	History       []models.ChatIntent
	State         map[string]map[string]any
	Components    []models.ComponentDeclaration
	Actions       []models.ActionDeclaration
	Media         *models.Media
	ExecutionMode models.ExecutionMode
	Facts         map[string]any
}

// Proposal is the adapter's output: exactly one of Intent or Plan is set.
type Proposal struct {
	Intent *models.ChatIntent
	Plan   *models.ExecutionPlan
}

// Adapter converts a conversational turn into a proposal. Implementations
// run outside the trust boundary; everything they produce goes through the
// full gate pipeline.
type Adapter interface {
	Propose(ctx context.Context, turn Turn) (Proposal, error)
}
