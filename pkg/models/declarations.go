package models

// ComponentPermissions restricts how a component's state may be observed and
// changed. State is only ever written through actions.
type ComponentPermissions struct {
	Readable               bool `json:"readable"`
	WritableViaActionsOnly bool `json:"writable_via_actions_only"`
}

// Invariant is a boolean expression checked against full state after every
// mutation that could affect the owning component.
type Invariant struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Expr        string `json:"expr"`
}

// ComponentDeclaration defines a named, schema-validated state container.
// Declarations are immutable once registered; re-registering a versioned ID
// replaces the prior declaration.
type ComponentDeclaration struct {
	ComponentID string               `json:"component_id"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	StateSchema map[string]any       `json:"state_schema"`
	Permissions ComponentPermissions `json:"permissions"`
	Invariants  []Invariant          `json:"invariants,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
}

// Precondition is a boolean expression checked against current state before
// an action executes.
type Precondition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Expr        string `json:"expr"`
}

// ActionPermission carries the governance metadata for an action.
type ActionPermission struct {
	ConfirmationRequired bool             `json:"confirmation_required"`
	Risk                 ActionRisk       `json:"risk"`
	Visibility           ActionVisibility `json:"visibility"`
	RequiredRoles        []string         `json:"required_roles,omitempty"`
}

// ActionDeclaration defines a typed operation over one or more components.
type ActionDeclaration struct {
	ActionID      string           `json:"action_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Targets       []string         `json:"targets"`
	InputSchema   map[string]any   `json:"input_schema"`
	Preconditions []Precondition   `json:"preconditions,omitempty"`
	Permission    ActionPermission `json:"permission"`
	Cost          float64          `json:"cost,omitempty"`
}

// EffectiveCost returns the action's abstract cost units, defaulting to 1.
func (a ActionDeclaration) EffectiveCost() float64 {
	if a.Cost <= 0 {
		return 1
	}
	return a.Cost
}

// Handler computes an action's state transition. Handlers are pure: they read
// the snapshot, derive the new component map plus a diff and a user-facing
// message, and perform no I/O.
type Handler func(inputs map[string]any, snap *StateSnapshot) (map[string]map[string]any, []StateDiffEntry, string, error)
