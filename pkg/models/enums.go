package models

// IntentType discriminates the two intent shapes an agent may produce.
type IntentType string

const (
	IntentActionCall           IntentType = "action_call"
	IntentClarificationRequest IntentType = "clarification_request"
)

// ExecutionMode controls how much autonomy the caller granted the agent.
type ExecutionMode string

const (
	ModeInteractive ExecutionMode = "interactive"
	ModeAssisted    ExecutionMode = "assisted"
	ModeAutonomous  ExecutionMode = "autonomous"
)

// MaxPlanSteps returns the step ceiling for a plan executed under the mode.
func (m ExecutionMode) MaxPlanSteps() int {
	switch m {
	case ModeInteractive:
		return 4
	case ModeAutonomous:
		return 10
	default:
		return 6
	}
}

// ExecutionStatus is the terminal outcome of one intent.
type ExecutionStatus string

const (
	StatusSuccess         ExecutionStatus = "success"
	StatusRejected        ExecutionStatus = "rejected"
	StatusFailed          ExecutionStatus = "failed"
	StatusPendingApproval ExecutionStatus = "pending_approval"
)

// StateDiffOp is the operation kind of a single diff entry.
type StateDiffOp string

const (
	DiffAdd     StateDiffOp = "add"
	DiffRemove  StateDiffOp = "remove"
	DiffReplace StateDiffOp = "replace"
)

// ActionRisk tiers actions for authorization and confirmation gates.
type ActionRisk string

const (
	RiskLow    ActionRisk = "low"
	RiskMedium ActionRisk = "medium"
	RiskHigh   ActionRisk = "high"
)

// ActionVisibility controls whether end users see an action.
type ActionVisibility string

const (
	VisibilityUser      ActionVisibility = "user"
	VisibilityDeveloper ActionVisibility = "developer"
)

// MediaType classifies an intent attachment.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaDocument MediaType = "document"
)

// Snapshot ID sentinels used by results that produced no stored snapshot.
const (
	SnapshotNone      = "none"
	SnapshotUnknown   = "unknown"
	SnapshotSimulated = "simulated"
	NoSnapshot        = "no_snapshot"
)
