package registry

import (
	"encoding/json"
	"fmt"

	"warden/pkg/models"
)

// Component IDs provided out of the box.
const (
	CounterComponentID = "demo.counter"
	NotesComponentID   = "sys.notes"
)

// RegisterStdlib installs the demo counter and shared notes declarations with
// their handlers. Projects get these without any extra registration step.
func RegisterStdlib(r Registry) {
	r.RegisterComponent(models.ComponentDeclaration{
		ComponentID: CounterComponentID,
		Title:       "Demo Counter",
		Description: "A simple integer counter for demonstration purposes.",
		StateSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "integer"}},
			"required":   []any{"value"},
		},
		Permissions: models.ComponentPermissions{Readable: true, WritableViaActionsOnly: true},
		Tags:        []string{"demo"},
	})

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    "demo.counter.set",
		Title:       "Set Counter",
		Description: "Set the counter to a specific integer value.",
		Targets:     []string{CounterComponentID},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "integer"}},
			"required":   []any{"value"},
		},
		Permission: models.ActionPermission{
			Risk:       models.RiskLow,
			Visibility: models.VisibilityUser,
		},
	}, counterSet)

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    "demo.counter.increment",
		Title:       "Increment Counter",
		Description: "Increase the counter value by a given amount (default 1).",
		Targets:     []string{CounterComponentID},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"amount": map[string]any{"type": "integer", "default": 1}},
		},
		Permission: models.ActionPermission{
			Risk:       models.RiskLow,
			Visibility: models.VisibilityUser,
		},
	}, counterIncrement)

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    "demo.counter.reset",
		Title:       "Reset Counter",
		Description: "Reset the counter to zero.",
		Targets:     []string{CounterComponentID},
		InputSchema: map[string]any{"type": "object"},
		Permission: models.ActionPermission{
			ConfirmationRequired: true,
			Risk:                 models.RiskMedium,
			Visibility:           models.VisibilityUser,
		},
	}, counterReset)

	r.RegisterComponent(models.ComponentDeclaration{
		ComponentID: NotesComponentID,
		Title:       "Shared Notes",
		Description: "An append-only list of short notes visible to the whole project.",
		StateSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"items"},
		},
		Permissions: models.ComponentPermissions{Readable: true, WritableViaActionsOnly: true},
		Tags:        []string{"system"},
	})

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    "notes.add",
		Title:       "Add Note",
		Description: "Append a note to the shared notes list.",
		Targets:     []string{NotesComponentID},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string", "minLength": 1}},
			"required":   []any{"text"},
		},
		Permission: models.ActionPermission{
			Risk:       models.RiskLow,
			Visibility: models.VisibilityUser,
		},
	}, notesAdd)

	r.RegisterAction(models.ActionDeclaration{
		ActionID:    "notes.clear",
		Title:       "Clear Notes",
		Description: "Remove every note from the shared notes list.",
		Targets:     []string{NotesComponentID},
		InputSchema: map[string]any{"type": "object"},
		Permission: models.ActionPermission{
			ConfirmationRequired: true,
			Risk:                 models.RiskMedium,
			Visibility:           models.VisibilityUser,
		},
	}, notesClear)
}

func counterValue(snap *models.StateSnapshot) float64 {
	comp, ok := snap.Components[CounterComponentID]
	if !ok {
		return 0
	}
	switch v := comp["value"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func counterSet(inputs map[string]any, snap *models.StateSnapshot) (map[string]map[string]any, []models.StateDiffEntry, string, error) {
	val, ok := toNumber(inputs["value"])
	if !ok {
		return nil, nil, "", fmt.Errorf("value must be a number")
	}
	old := counterValue(snap)
	comps := snap.CloneComponents()
	comps[CounterComponentID] = map[string]any{"value": val}
	diff := []models.StateDiffEntry{
		{Path: CounterComponentID + ".value", Op: models.DiffReplace, Value: val},
	}
	return comps, diff, fmt.Sprintf("Counter set to %v (was %v)", val, old), nil
}

func counterIncrement(inputs map[string]any, snap *models.StateSnapshot) (map[string]map[string]any, []models.StateDiffEntry, string, error) {
	amount := float64(1)
	if raw, ok := inputs["amount"]; ok {
		amount, ok = toNumber(raw)
		if !ok {
			return nil, nil, "", fmt.Errorf("amount must be a number")
		}
	}
	next := counterValue(snap) + amount
	comps := snap.CloneComponents()
	comps[CounterComponentID] = map[string]any{"value": next}
	diff := []models.StateDiffEntry{
		{Path: CounterComponentID + ".value", Op: models.DiffReplace, Value: next},
	}
	return comps, diff, fmt.Sprintf("Counter incremented by %v to %v", amount, next), nil
}

func counterReset(_ map[string]any, snap *models.StateSnapshot) (map[string]map[string]any, []models.StateDiffEntry, string, error) {
	comps := snap.CloneComponents()
	comps[CounterComponentID] = map[string]any{"value": float64(0)}
	diff := []models.StateDiffEntry{
		{Path: CounterComponentID + ".value", Op: models.DiffReplace, Value: float64(0)},
	}
	return comps, diff, "Counter reset to 0", nil
}

func notesItems(snap *models.StateSnapshot) []any {
	comp, ok := snap.Components[NotesComponentID]
	if !ok {
		return nil
	}
	items, _ := comp["items"].([]any)
	return items
}

func notesAdd(inputs map[string]any, snap *models.StateSnapshot) (map[string]map[string]any, []models.StateDiffEntry, string, error) {
	text, ok := inputs["text"].(string)
	if !ok || text == "" {
		return nil, nil, "", fmt.Errorf("text must be a non-empty string")
	}
	items := append(append([]any{}, notesItems(snap)...), text)
	comps := snap.CloneComponents()
	comps[NotesComponentID] = map[string]any{"items": items}
	diff := []models.StateDiffEntry{
		{Path: NotesComponentID + ".items", Op: models.DiffReplace, Value: items},
	}
	return comps, diff, fmt.Sprintf("Added note (%d total)", len(items)), nil
}

func notesClear(_ map[string]any, snap *models.StateSnapshot) (map[string]map[string]any, []models.StateDiffEntry, string, error) {
	comps := snap.CloneComponents()
	comps[NotesComponentID] = map[string]any{"items": []any{}}
	diff := []models.StateDiffEntry{
		{Path: NotesComponentID + ".items", Op: models.DiffReplace, Value: []any{}},
	}
	return comps, diff, "Notes cleared", nil
}

func toNumber(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
