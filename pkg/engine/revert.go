package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/pkg/models"
	"warden/pkg/registry"
	"warden/pkg/store"
)

// RevertToSnapshot restores a project's state to a previous snapshot. The
// revert is itself an audited mutation: it writes a fresh checkpoint whose
// components equal the target's materialized state, alongside a system.revert
// history entry, atomically. History is never rewritten.
func (e *Engine) RevertToSnapshot(ctx context.Context, projectID, snapshotID, userID string) (*models.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.revert")
	defer span.End()

	release, err := e.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	target, err := e.repo.GetSnapshot(ctx, projectID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("revert target %s: %w", snapshotID, err)
	}

	// the revert is replayed from the audit log like any other mutation, so
	// its entry carries the diff from the pre-revert state
	var currentComponents map[string]map[string]any
	current, err := e.repo.GetLatestSnapshot(ctx, projectID)
	if err == nil {
		currentComponents = current.Components
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load current state: %w", err)
	}

	components := target.CloneComponents()
	snap := &models.StateSnapshot{
		SnapshotID:   uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Components:   components,
		Checksum:     models.ComputeChecksum(components),
		IsCheckpoint: true,
	}

	result := &models.ExecutionResult{
		RequestID:       uuid.NewString(),
		UserID:          userID,
		ActionID:        registry.ActionRevert,
		Status:          models.StatusSuccess,
		Timestamp:       snap.Timestamp,
		Message:         fmt.Sprintf("Reverted state to snapshot %s.", snapshotID),
		StateDiff:       models.ComputeComponentDiff(currentComponents, components),
		StateSnapshotID: snap.SnapshotID,
		Metadata:        map[string]any{"reverted_to": snapshotID},
	}
	if err := e.repo.SaveExecutionAndSnapshot(ctx, projectID, result, snap); err != nil {
		return nil, fmt.Errorf("commit revert to %s: %w", snapshotID, err)
	}

	e.log.Info().
		Str("project_id", projectID).
		Str("reverted_to", snapshotID).
		Str("snapshot_id", snap.SnapshotID).
		Msg("state reverted")

	e.fireHooks(projectID, result)
	return result, nil
}
