package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"warden/pkg/models"
)

// ExecutePlan runs a plan's steps sequentially through the full pipeline.
// Execution stops at the first step that does not succeed; already-committed
// steps are not rolled back. In simulation each step sees the simulated state
// produced by the previous one, so a whole plan can be previewed without
// touching the store.
func (e *Engine) ExecutePlan(ctx context.Context, projectID string, plan models.ExecutionPlan, opt ExecOptions) ([]*models.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute_plan")
	defer span.End()
	mode := plan.Mode()
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("plan.id", plan.PlanID),
		attribute.String("plan.mode", string(mode)),
		attribute.Int("plan.steps", len(plan.Steps)),
	)

	if limit := mode.MaxPlanSteps(); len(plan.Steps) > limit {
		res := &models.ExecutionResult{
			RequestID:       plan.PlanID,
			UserID:          opt.UserID,
			ActionID:        "plan",
			Status:          models.StatusRejected,
			Timestamp:       time.Now().UTC(),
			Message:         fmt.Sprintf("Plan has %d steps; %s mode allows at most %d.", len(plan.Steps), mode, limit),
			StateSnapshotID: models.SnapshotNone,
			Simulated:       opt.Simulate,
			Error:           &models.ExecutionError{Code: CodePlanLimitExceeded, Detail: string(mode)},
		}
		return []*models.ExecutionResult{res}, nil
	}

	results := make([]*models.ExecutionResult, 0, len(plan.Steps))
	stepOpt := opt
	for i, step := range plan.Steps {
		res, err := e.ExecuteIntent(ctx, projectID, step, stepOpt)
		if err != nil {
			return results, fmt.Errorf("plan %s step %d: %w", plan.PlanID, i, err)
		}
		results = append(results, res)
		if res.Status != models.StatusSuccess {
			break
		}
		if opt.Simulate && res.SimulatedState != nil {
			stepOpt.OverrideState = res.SimulatedState
		}
	}
	return results, nil
}
