package models

import "time"

// StateDiffEntry is one atomic change at a dotted path.
type StateDiffEntry struct {
	Path  string      `json:"path"`
	Op    StateDiffOp `json:"op"`
	Value any         `json:"value,omitempty"`
}

// StateSnapshot captures the full component-state mapping at one point of the
// audit trail. Checkpoints store the full component map; delta snapshots
// store only Diffs relative to ParentID and are materialized on read.
//
// Checksum is always computed over the materialized component map, never the
// raw delta payload, so tamper detection is independent of storage form.
type StateSnapshot struct {
	SnapshotID   string                    `json:"snapshot_id"`
	Timestamp    time.Time                 `json:"timestamp"`
	Components   map[string]map[string]any `json:"components"`
	Checksum     string                    `json:"checksum,omitempty"`
	IsCheckpoint bool                      `json:"is_checkpoint"`
	ParentID     string                    `json:"parent_id,omitempty"`
	Diffs        []StateDiffEntry          `json:"diffs,omitempty"`
}

// NewSnapshot builds a checkpoint snapshot over the given components with a
// freshly computed checksum.
func NewSnapshot(id string, components map[string]map[string]any) *StateSnapshot {
	if components == nil {
		components = map[string]map[string]any{}
	}
	return &StateSnapshot{
		SnapshotID:   id,
		Timestamp:    time.Now().UTC(),
		Components:   components,
		Checksum:     ComputeChecksum(components),
		IsCheckpoint: true,
	}
}

// CloneComponents returns a deep copy of the snapshot's component map so that
// handlers can not mutate persisted state in place.
func (s *StateSnapshot) CloneComponents() map[string]map[string]any {
	return CloneComponentMap(s.Components)
}

// CloneComponentMap deep-copies a component map, including nested maps and
// slices.
func CloneComponentMap(components map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(components))
	for id, state := range components {
		cloned := cloneValue(state)
		m, ok := cloned.(map[string]any)
		if !ok {
			m = map[string]any{}
		}
		out[id] = m
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
