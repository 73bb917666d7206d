package store

import (
	"fmt"

	"warden/pkg/models"
)

// maxChainDepth bounds the parent walk so a corrupted cycle cannot spin.
const maxChainDepth = 10000

// materializeSnapshot resolves a stored snapshot into one carrying its full
// component map. Checkpoints are returned as-is (copied); deltas walk the
// parent chain back to the nearest checkpoint and replay diffs forward.
func materializeSnapshot(s *models.StateSnapshot, lookup func(id string) (*models.StateSnapshot, error)) (*models.StateSnapshot, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	if s.IsCheckpoint {
		out := *s
		out.Components = models.CloneComponentMap(s.Components)
		return &out, nil
	}

	chain := []*models.StateSnapshot{s}
	cur := s
	for depth := 0; !cur.IsCheckpoint; depth++ {
		if depth >= maxChainDepth {
			return nil, fmt.Errorf("%w: chain too deep at %s", ErrBrokenChain, cur.SnapshotID)
		}
		if cur.ParentID == "" {
			return nil, fmt.Errorf("%w: delta %s has no parent", ErrBrokenChain, cur.SnapshotID)
		}
		parent, err := lookup(cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("%w: parent %s of %s: %v", ErrBrokenChain, cur.ParentID, cur.SnapshotID, err)
		}
		chain = append(chain, parent)
		cur = parent
	}

	// chain is [target .. checkpoint]; replay from the checkpoint forward
	components := models.CloneComponentMap(cur.Components)
	for i := len(chain) - 2; i >= 0; i-- {
		components = models.ApplyStateDiff(components, chain[i].Diffs)
	}

	out := *s
	out.Components = components
	return &out, nil
}
