package registry

import "warden/pkg/models"

// MemoryComponentID is the session-memory key-value component. Its actions
// write the durable facts table rather than snapshot state, so the engine
// services them directly and no handler is registered.
const MemoryComponentID = "sys.memory"

// Action IDs serviced by the engine instead of a registered handler.
const (
	ActionRemember = "memory.remember"
	ActionForget   = "memory.forget"
	ActionRevert   = "system.revert"
)

// RegisterSystem installs the declarations for engine-serviced actions so
// they participate in authorization and input validation like any other
// action.
func RegisterSystem(r Registry) {
	r.RegisterComponent(models.ComponentDeclaration{
		ComponentID: MemoryComponentID,
		Title:       "Session Memory",
		Description: "Stores shared facts and context for the agent across the project session.",
		StateSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
		Permissions: models.ComponentPermissions{Readable: true, WritableViaActionsOnly: true},
		Tags:        []string{"system", "memory"},
	})

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    ActionRemember,
		Title:       "Remember Fact",
		Description: "Save a piece of information to project memory.",
		Targets:     []string{MemoryComponentID},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{"type": []any{"string", "number", "boolean", "object", "array"}},
			},
			"required": []any{"key", "value"},
		},
		Permission: models.ActionPermission{
			Risk:       models.RiskLow,
			Visibility: models.VisibilityDeveloper,
		},
	}, nil)

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    ActionForget,
		Title:       "Forget Fact",
		Description: "Remove a piece of information from project memory.",
		Targets:     []string{MemoryComponentID},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": map[string]any{"type": "string"}},
			"required":   []any{"key"},
		},
		Permission: models.ActionPermission{
			Risk:       models.RiskLow,
			Visibility: models.VisibilityDeveloper,
		},
	}, nil)

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    ActionRevert,
		Title:       "Revert State",
		Description: "Restore project state to a previous snapshot.",
		Targets:     []string{},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"snapshot_id": map[string]any{"type": "string"}},
			"required":   []any{"snapshot_id"},
		},
		Permission: models.ActionPermission{
			ConfirmationRequired: true,
			Risk:                 models.RiskHigh,
			Visibility:           models.VisibilityDeveloper,
		},
	}, nil)
}

// IsEngineAction reports whether the engine services this action itself.
func IsEngineAction(actionID string) bool {
	switch actionID {
	case ActionRemember, ActionForget, ActionRevert:
		return true
	}
	return false
}
