package engine

import (
	"context"
	"time"

	"warden/pkg/models"
)

// ReconstructOptions selects the point in history to rebuild up to. When
// RequestID is set, replay stops after the matching entry; otherwise replay
// includes every entry at or before Until. Zero options replay everything.
type ReconstructOptions struct {
	RequestID string
	Until     time.Time
}

// ReconstructState rebuilds a project's component state by replaying the
// audited diffs of successful executions from genesis. It is the independent
// check that the audit log alone determines state: the result should match
// the snapshot recorded at the chosen point.
func (e *Engine) ReconstructState(ctx context.Context, projectID string, opt ReconstructOptions) (map[string]map[string]any, error) {
	history, err := e.repo.GetExecutionHistory(ctx, projectID, 0)
	if err != nil {
		return nil, err
	}

	state := map[string]map[string]any{}
	for _, entry := range history {
		if !opt.Until.IsZero() && entry.Timestamp.After(opt.Until) {
			break
		}
		if entry.Status == models.StatusSuccess && !entry.Simulated {
			state = models.ApplyStateDiff(state, entry.StateDiff)
		}
		if opt.RequestID != "" && entry.RequestID == opt.RequestID {
			break
		}
	}
	return state, nil
}
