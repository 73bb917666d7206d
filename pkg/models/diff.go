package models

import (
	"reflect"
	"strings"
)

// ComputeStateDiff produces the add/remove/replace entries that transform old
// into new. Nested maps recurse into dotted paths; everything else compares
// as an opaque value.
func ComputeStateDiff(oldState, newState map[string]any, prefix string) []StateDiffEntry {
	var diffs []StateDiffEntry

	keys := map[string]struct{}{}
	for k := range oldState {
		keys[k] = struct{}{}
	}
	for k := range newState {
		keys[k] = struct{}{}
	}

	for key := range keys {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		oldVal, inOld := oldState[key]
		newVal, inNew := newState[key]
		switch {
		case !inOld:
			diffs = append(diffs, StateDiffEntry{Path: path, Op: DiffAdd, Value: newVal})
		case !inNew:
			diffs = append(diffs, StateDiffEntry{Path: path, Op: DiffRemove})
		case !equalValue(oldVal, newVal):
			oldMap, oldOK := oldVal.(map[string]any)
			newMap, newOK := newVal.(map[string]any)
			if oldOK && newOK {
				diffs = append(diffs, ComputeStateDiff(oldMap, newMap, path)...)
			} else {
				diffs = append(diffs, StateDiffEntry{Path: path, Op: DiffReplace, Value: newVal})
			}
		}
	}
	return diffs
}

// ComputeComponentDiff diffs two full component maps.
func ComputeComponentDiff(oldComps, newComps map[string]map[string]any) []StateDiffEntry {
	oldAny := make(map[string]any, len(oldComps))
	for k, v := range oldComps {
		oldAny[k] = map[string]any(v)
	}
	newAny := make(map[string]any, len(newComps))
	for k, v := range newComps {
		newAny[k] = map[string]any(v)
	}
	return ComputeStateDiff(oldAny, newAny, "")
}

// ApplyStateDiff applies diff entries to a component map and returns the new
// map; the input is not mutated. Missing intermediate maps are created on
// add/replace, and removing a one-segment path drops the whole component.
func ApplyStateDiff(components map[string]map[string]any, diffs []StateDiffEntry) map[string]map[string]any {
	out := CloneComponentMap(components)
	for _, d := range diffs {
		parts := strings.Split(d.Path, ".")
		applyEntry(out, parts, d)
	}
	return out
}

func applyEntry(components map[string]map[string]any, parts []string, d StateDiffEntry) {
	if len(parts) == 0 {
		return
	}
	// Component IDs are themselves dotted, so the component boundary inside a
	// path is ambiguous. Match the longest existing component ID first; a
	// non-matching path whose value is a whole state map is a new component
	// keyed by the full path; anything else nests under the first segment.
	compID := parts[0]
	rest := parts[1:]
	matched := false
	for i := len(parts); i >= 1; i-- {
		candidate := strings.Join(parts[:i], ".")
		if _, ok := components[candidate]; ok {
			compID = candidate
			rest = parts[i:]
			matched = true
			break
		}
	}
	if !matched && len(parts) > 1 {
		if _, isMap := d.Value.(map[string]any); isMap && d.Op != DiffRemove {
			compID = strings.Join(parts, ".")
			rest = nil
		}
	}

	if len(rest) == 0 {
		switch d.Op {
		case DiffRemove:
			delete(components, compID)
		case DiffAdd, DiffReplace:
			if m, ok := d.Value.(map[string]any); ok {
				components[compID] = m
			}
		}
		return
	}

	state, ok := components[compID]
	if !ok {
		if d.Op == DiffRemove {
			return
		}
		state = map[string]any{}
		components[compID] = state
	}
	setAtPath(state, rest, d)
}

func setAtPath(state map[string]any, parts []string, d StateDiffEntry) {
	cur := state
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			if d.Op == DiffRemove {
				return
			}
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	leaf := parts[len(parts)-1]
	switch d.Op {
	case DiffRemove:
		delete(cur, leaf)
	default:
		cur[leaf] = d.Value
	}
}

// equalValue compares values structurally, treating numeric types as equal
// when their float values match (JSON round-trips turn ints into float64).
func equalValue(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
