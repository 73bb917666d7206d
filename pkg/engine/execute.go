package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"warden/pkg/models"
	"warden/pkg/policy"
	"warden/pkg/registry"
	"warden/pkg/safeexpr"
	"warden/pkg/store"
)

// Machine-readable rejection and failure codes.
const (
	CodeProjectArchived      = "project_archived"
	CodeIntentNotExecutable  = "intent_not_executable"
	CodeMissingActionID      = "missing_action_id"
	CodeActionUnknown        = "action_unknown"
	CodeRoleUnknown          = "role_unknown"
	CodePermissionDenied     = "permission.denied"
	CodeConfirmationRequired = "confirmation_required"
	CodeUserRequired         = "user_required"
	CodeInputValidation      = "input_validation_failed"
	CodePreconditionFailed   = "precondition_failed"
	CodePreconditionError    = "precondition_error"
	CodeWindowViolation      = "execution_window_violation"
	CodeRateLimited          = "rate_limit_exceeded"
	CodeRateLimitedHourly    = "rate_limit_exceeded_hourly"
	CodeBudgetExceeded       = "budget_exceeded"
	CodePolicyRuleRejected   = "policy_rule_rejected"
	CodeIntegrityViolation   = "integrity_violation"
	CodeHandlerMissing       = "handler.missing"
	CodeExecutionException   = "execution_exception"
	CodeInvariantViolation   = "invariant_violation"
	CodeInvariantError       = "invariant_error"
	CodePlanLimitExceeded    = "plan_limit_exceeded"
	CodeNotFound             = "not_found"
)

// ExecOptions carries the caller identity and execution modifiers.
type ExecOptions struct {
	// UserID identifies the caller; required for memory actions.
	UserID string
	// Roles, when non-nil, bypasses dynamic role resolution. Trigger
	// sources use this to run with a fixed identity.
	Roles []string
	// Simulate runs the full pipeline without persisting anything.
	Simulate bool
	// OverrideState substitutes the loaded snapshot, used to thread
	// simulated state through plan steps.
	OverrideState map[string]map[string]any
}

// ExecuteIntent runs one intent through the gate pipeline. Policy outcomes
// come back as ExecutionResults; the error return is reserved for
// infrastructure problems (lock timeout, success-path persistence).
func (e *Engine) ExecuteIntent(ctx context.Context, projectID string, intent models.ChatIntent, opt ExecOptions) (*models.ExecutionResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.execute_intent")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("action.id", intent.ActionID),
		attribute.Bool("simulate", opt.Simulate),
	)

	res, err := e.executeIntent(ctx, projectID, intent, opt, start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("execution.status", string(res.Status)))
	return res, nil
}

func (e *Engine) executeIntent(ctx context.Context, projectID string, intent models.ChatIntent, opt ExecOptions, start time.Time) (*models.ExecutionResult, error) {
	// 1. project lifecycle
	project, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.reject(ctx, projectID, intent, opt, CodeNotFound,
				fmt.Sprintf("Project %s not found.", projectID)), nil
		}
		return nil, err
	}
	if project.Archived {
		return e.reject(ctx, projectID, intent, opt, CodeProjectArchived,
			fmt.Sprintf("Project %s is archived and does not allow executions.", projectID)), nil
	}

	// 2. intent shape
	if intent.Type != models.IntentActionCall {
		return e.reject(ctx, projectID, intent, opt, CodeIntentNotExecutable,
			"Engine only executes action_call intents."), nil
	}
	if intent.ActionID == "" {
		return e.reject(ctx, projectID, intent, opt, CodeMissingActionID,
			"Missing action_id."), nil
	}

	// 3. roles
	roles := opt.Roles
	if roles == nil {
		roles = e.ResolveUserRoles(ctx, projectID, opt.UserID)
	}

	// 4. action resolution
	action, ok := e.reg.GetAction(intent.ActionID)
	if !ok {
		return e.reject(ctx, projectID, intent, opt, CodeActionUnknown,
			fmt.Sprintf("Action %s not found.", intent.ActionID)), nil
	}

	// 5. RBAC
	for _, r := range roles {
		if !policy.ValidRole(r) {
			return e.reject(ctx, projectID, intent, opt, CodeRoleUnknown,
				fmt.Sprintf("Unknown role %q.", r)), nil
		}
	}
	if !policy.HasRole(roles, models.RoleOperator) && !policy.HasRole(roles, models.RoleAdmin) {
		return e.reject(ctx, projectID, intent, opt, CodePermissionDenied,
			"Viewers cannot execute actions."), nil
	}
	if action.Permission.Risk == models.RiskHigh && !policy.HasRole(roles, models.RoleAdmin) {
		return e.reject(ctx, projectID, intent, opt, CodePermissionDenied,
			"Insufficient permissions for high-risk action."), nil
	}
	if !policy.Intersects(roles, action.Permission.RequiredRoles) {
		return e.reject(ctx, projectID, intent, opt, CodePermissionDenied,
			fmt.Sprintf("Action requires one of roles %v.", action.Permission.RequiredRoles)), nil
	}

	// 6. confirmation
	if !e.cfg.DisableConfirmation &&
		(action.Permission.ConfirmationRequired || action.Permission.Risk == models.RiskHigh) &&
		!intent.Confirmed {
		return e.reject(ctx, projectID, intent, opt, CodeConfirmationRequired,
			"Confirmation required."), nil
	}

	// 7. engine-serviced actions: memory writes the facts store, revert
	// restores a snapshot; neither runs a registered handler
	if intent.ActionID == registry.ActionRemember || intent.ActionID == registry.ActionForget {
		return e.executeMemoryAction(ctx, projectID, intent, action, opt, start)
	}
	if intent.ActionID == registry.ActionRevert {
		if opt.Simulate {
			return e.reject(ctx, projectID, intent, opt, CodeIntentNotExecutable,
				"Revert cannot be simulated."), nil
		}
		if detail, ok := validateInputs(action.InputSchema, intent.Inputs); !ok {
			return e.reject(ctx, projectID, intent, opt, CodeInputValidation,
				"Input validation failed: "+detail), nil
		}
		snapshotID, _ := intent.Inputs["snapshot_id"].(string)
		res, err := e.RevertToSnapshot(ctx, projectID, snapshotID, opt.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return e.fail(ctx, projectID, intent, opt, CodeNotFound,
				fmt.Sprintf("Snapshot %s not found.", snapshotID)), nil
		}
		return res, err
	}

	release, err := e.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	// load current state; hasParent tracks whether the store holds a real
	// snapshot a delta could point at
	var current *models.StateSnapshot
	hasParent := false
	if opt.OverrideState != nil {
		current = models.NewSnapshot("simulated_prev", models.CloneComponentMap(opt.OverrideState))
	} else {
		current, err = e.repo.GetLatestSnapshot(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			current = models.NewSnapshot("", nil)
		} else if err != nil {
			return nil, err
		} else {
			hasParent = true
		}
	}

	// 8. input schema validation
	if detail, ok := validateInputs(action.InputSchema, intent.Inputs); !ok {
		return e.reject(ctx, projectID, intent, opt, CodeInputValidation,
			"Input validation failed: "+detail), nil
	}

	// 9. preconditions
	if res := e.checkPreconditions(ctx, projectID, intent, action, current, opt); res != nil {
		return res, nil
	}

	// 10. policy document gates (simulation never consumes counters)
	if !opt.Simulate {
		res, err := e.checkPolicy(ctx, projectID, intent, action, current, roles, opt)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	// 11. integrity of the loaded snapshot
	if opt.OverrideState == nil && !models.VerifyChecksum(current) {
		return e.fail(ctx, projectID, intent, opt, CodeIntegrityViolation,
			fmt.Sprintf("Checksum mismatch for snapshot %s.", current.SnapshotID)), nil
	}

	// 12. handler
	handler, ok := e.reg.GetHandler(intent.ActionID)
	if !ok {
		return e.fail(ctx, projectID, intent, opt, CodeHandlerMissing,
			fmt.Sprintf("No handler registered for %s.", intent.ActionID)), nil
	}
	workCopy := models.NewSnapshot(current.SnapshotID, current.CloneComponents())
	newComponents, _, message, err := runHandler(handler, intent.Inputs, workCopy)
	if err != nil {
		return e.fail(ctx, projectID, intent, opt, CodeExecutionException,
			"Handler error: "+err.Error()), nil
	}

	// 13. invariants over candidate state
	if res := e.checkInvariants(ctx, projectID, intent, newComponents, opt); res != nil {
		return res, nil
	}

	// the audited diff is always recomputed against the loaded state
	diffs := models.ComputeComponentDiff(current.Components, newComponents)

	metadata := map[string]any{"cost": action.EffectiveCost()}
	if intent.Media != nil && len(intent.Media.Data) > 0 {
		sum := sha256.Sum256(intent.Media.Data)
		metadata["media_hash"] = hex.EncodeToString(sum[:])
		metadata["media_type"] = string(intent.Media.Type)
		if intent.Media.MimeType != "" {
			metadata["media_mime"] = intent.Media.MimeType
		}
	}
	if message == "" {
		message = "Action executed successfully."
	}

	result := &models.ExecutionResult{
		RequestID:       intent.RequestID,
		UserID:          opt.UserID,
		ActionID:        intent.ActionID,
		Status:          models.StatusSuccess,
		Timestamp:       time.Now().UTC(),
		ExecutionTimeMS: elapsedMS(start),
		Cost:            action.EffectiveCost(),
		Message:         message,
		StateDiff:       diffs,
		Metadata:        metadata,
	}

	// 14/15. commit or return the simulation
	if opt.Simulate {
		result.Simulated = true
		result.StateSnapshotID = models.SnapshotSimulated
		result.SimulatedState = newComponents
		return result, nil
	}

	snap := e.buildSnapshot(projectID, current, hasParent, newComponents, diffs)
	result.StateSnapshotID = snap.SnapshotID
	if err := e.repo.SaveExecutionAndSnapshot(ctx, projectID, result, snap); err != nil {
		return nil, fmt.Errorf("commit execution %s: %w", intent.RequestID, err)
	}

	e.log.Info().
		Str("project_id", projectID).
		Str("request_id", intent.RequestID).
		Str("action_id", intent.ActionID).
		Str("snapshot_id", snap.SnapshotID).
		Bool("checkpoint", snap.IsCheckpoint).
		Float64("duration_ms", result.ExecutionTimeMS).
		Msg("intent executed")

	// 16. observers
	e.fireHooks(projectID, result)
	return result, nil
}

// buildSnapshot produces the next checkpoint-or-delta snapshot. The checksum
// always covers the full materialized components.
func (e *Engine) buildSnapshot(projectID string, current *models.StateSnapshot, hasParent bool, newComponents map[string]map[string]any, diffs []models.StateDiffEntry) *models.StateSnapshot {
	checkpoint := e.nextSnapshotKind(projectID, hasParent)
	snap := &models.StateSnapshot{
		SnapshotID:   uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Components:   newComponents,
		Checksum:     models.ComputeChecksum(newComponents),
		IsCheckpoint: checkpoint,
	}
	if !checkpoint {
		snap.ParentID = current.SnapshotID
		snap.Diffs = diffs
	}
	return snap
}

func (e *Engine) executeMemoryAction(ctx context.Context, projectID string, intent models.ChatIntent, action models.ActionDeclaration, opt ExecOptions, start time.Time) (*models.ExecutionResult, error) {
	if opt.UserID == "" {
		return e.reject(ctx, projectID, intent, opt, CodeUserRequired,
			"User ID required for memory actions."), nil
	}
	if detail, ok := validateInputs(action.InputSchema, intent.Inputs); !ok {
		return e.reject(ctx, projectID, intent, opt, CodeInputValidation,
			"Input validation failed: "+detail), nil
	}
	if opt.Simulate {
		return &models.ExecutionResult{
			RequestID:       intent.RequestID,
			UserID:          opt.UserID,
			ActionID:        intent.ActionID,
			Status:          models.StatusSuccess,
			Timestamp:       time.Now().UTC(),
			Message:         "Simulated memory update.",
			StateSnapshotID: models.SnapshotSimulated,
			Simulated:       true,
			SimulatedState:  opt.OverrideState,
		}, nil
	}

	key, _ := intent.Inputs["key"].(string)
	var msg string
	if intent.ActionID == registry.ActionRemember {
		if err := e.repo.SaveSessionFact(ctx, projectID, opt.UserID, key, intent.Inputs["value"]); err != nil {
			return e.fail(ctx, projectID, intent, opt, CodeExecutionException,
				"Memory error: "+err.Error()), nil
		}
		msg = fmt.Sprintf("Remembered: %s = %v", key, intent.Inputs["value"])
	} else {
		if err := e.repo.DeleteSessionFact(ctx, projectID, opt.UserID, key); err != nil {
			return e.fail(ctx, projectID, intent, opt, CodeExecutionException,
				"Memory error: "+err.Error()), nil
		}
		msg = "Forgot: " + key
	}

	result := &models.ExecutionResult{
		RequestID:       intent.RequestID,
		UserID:          opt.UserID,
		ActionID:        intent.ActionID,
		Status:          models.StatusSuccess,
		Timestamp:       time.Now().UTC(),
		ExecutionTimeMS: elapsedMS(start),
		Message:         msg,
		StateSnapshotID: models.NoSnapshot,
	}
	if err := e.repo.SaveExecution(ctx, projectID, result); err != nil {
		return nil, fmt.Errorf("commit memory action %s: %w", intent.RequestID, err)
	}
	return result, nil
}

func (e *Engine) checkPreconditions(ctx context.Context, projectID string, intent models.ChatIntent, action models.ActionDeclaration, current *models.StateSnapshot, opt ExecOptions) *models.ExecutionResult {
	if len(action.Preconditions) == 0 {
		return nil
	}
	env := safeexpr.Env{
		"state":  componentsEnv(current.Components),
		"inputs": mapEnv(intent.Inputs),
		"get":    safeexpr.StateGetter(current.Components),
	}
	for _, pre := range action.Preconditions {
		ok, err := safeexpr.EvalBool(pre.Expr, env)
		if err != nil {
			return e.reject(ctx, projectID, intent, opt, CodePreconditionError,
				fmt.Sprintf("Error evaluating precondition %s: %v", pre.ID, err))
		}
		if !ok {
			return e.reject(ctx, projectID, intent, opt, CodePreconditionFailed,
				"Precondition failed: "+pre.Description)
		}
	}
	return nil
}

// checkPolicy applies the project policy document. A nil result means all
// gates passed.
func (e *Engine) checkPolicy(ctx context.Context, projectID string, intent models.ChatIntent, action models.ActionDeclaration, current *models.StateSnapshot, roles []string, opt ExecOptions) (*models.ExecutionResult, error) {
	raw, err := e.repo.GetPolicy(ctx, projectID)
	if err != nil {
		return nil, err
	}
	doc := policy.Parse(raw)

	if !doc.ExecutionWindows.WithinWindow(time.Now()) {
		return e.reject(ctx, projectID, intent, opt, CodeWindowViolation,
			"Outside of allowed execution window."), nil
	}

	if limit := doc.Limits.Rate.PerMinute; limit > 0 {
		n, err := e.repo.CountRecentExecutions(ctx, projectID, time.Minute)
		if err != nil {
			return nil, err
		}
		if n >= limit {
			return e.reject(ctx, projectID, intent, opt, CodeRateLimited,
				fmt.Sprintf("Rate limit exceeded (%d/min).", limit)), nil
		}
	}
	if limit := doc.Limits.Rate.PerHour; limit > 0 {
		n, err := e.repo.CountRecentExecutions(ctx, projectID, time.Hour)
		if err != nil {
			return nil, err
		}
		if n >= limit {
			return e.reject(ctx, projectID, intent, opt, CodeRateLimitedHourly,
				fmt.Sprintf("Rate limit exceeded (%d/hour).", limit)), nil
		}
	}

	cost := action.EffectiveCost()
	if daily := doc.Limits.Budget.Daily; daily != nil {
		usage, err := e.repo.DailyBudgetUsage(ctx, projectID, time.Now())
		if err != nil {
			return nil, err
		}
		if usage+cost > *daily {
			return e.reject(ctx, projectID, intent, opt, CodeBudgetExceeded,
				fmt.Sprintf("Daily budget exceeded (%.1f + %.1f > %g).", usage, cost, *daily)), nil
		}
	}

	if !intent.Confirmed {
		for _, rule := range doc.Approvals {
			required := rule.RequiredRoleOrDefault()
			if cost >= rule.MinCost && !policy.HasRole(roles, required) {
				res := &models.ExecutionResult{
					RequestID:       intent.RequestID,
					UserID:          opt.UserID,
					ActionID:        intent.ActionID,
					Status:          models.StatusPendingApproval,
					Timestamp:       time.Now().UTC(),
					Message:         fmt.Sprintf("Action requires approval from a %s (cost: %g).", required, cost),
					StateSnapshotID: models.SnapshotNone,
				}
				// pending requests land in history so approvers can see them
				if err := e.repo.SaveExecution(ctx, projectID, res); err != nil {
					e.log.Error().Err(err).Str("project_id", projectID).Msg("persist pending approval")
				}
				return res, nil
			}
		}
	}

	if len(doc.Rules) > 0 {
		env := e.ruleEnv(ctx, intent, current, roles, opt.UserID)
		for _, rule := range doc.Rules {
			if !rule.Complete() {
				continue
			}
			matched, err := safeexpr.EvalBool(rule.Condition, env)
			if err != nil {
				// rule errors fail open: log and treat as non-matching
				e.log.Warn().Err(err).
					Str("project_id", projectID).
					Str("rule_id", rule.ID).
					Msg("policy rule evaluation failed")
				continue
			}
			if !matched {
				continue
			}
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("Rejected by policy rule %s.", rule.ID)
			} else {
				msg = fmt.Sprintf("%s (rule %s)", msg, rule.ID)
			}
			if rule.Effect == policy.EffectRequireApproval {
				if intent.Confirmed {
					continue
				}
				res := &models.ExecutionResult{
					RequestID:       intent.RequestID,
					UserID:          opt.UserID,
					ActionID:        intent.ActionID,
					Status:          models.StatusPendingApproval,
					Timestamp:       time.Now().UTC(),
					Message:         msg,
					StateSnapshotID: models.SnapshotNone,
				}
				if err := e.repo.SaveExecution(ctx, projectID, res); err != nil {
					e.log.Error().Err(err).Str("project_id", projectID).Msg("persist pending approval")
				}
				return res, nil
			}
			return e.reject(ctx, projectID, intent, opt, CodePolicyRuleRejected, msg), nil
		}
	}
	return nil, nil
}

// ruleEnv builds the evaluation context for ad-hoc policy rules.
func (e *Engine) ruleEnv(ctx context.Context, intent models.ChatIntent, current *models.StateSnapshot, roles []string, userID string) safeexpr.Env {
	env := safeexpr.Env{
		"state":     componentsEnv(current.Components),
		"inputs":    mapEnv(intent.Inputs),
		"action_id": intent.ActionID,
		"roles":     stringsEnv(roles),
		"get":       safeexpr.StateGetter(current.Components),
		"user":      nil,
	}
	if userID != "" {
		if u, err := e.repo.GetUser(ctx, userID); err == nil {
			env["user"] = userEnv(u)
		}
	}
	return env
}

func (e *Engine) checkInvariants(ctx context.Context, projectID string, intent models.ChatIntent, candidate map[string]map[string]any, opt ExecOptions) *models.ExecutionResult {
	env := safeexpr.Env{
		"state": componentsEnv(candidate),
		"get":   safeexpr.StateGetter(candidate),
	}
	for _, comp := range e.reg.ListComponents() {
		for _, inv := range comp.Invariants {
			ok, err := safeexpr.EvalBool(inv.Expr, env)
			if err != nil {
				return e.fail(ctx, projectID, intent, opt, CodeInvariantError,
					fmt.Sprintf("Error evaluating invariant for %s: %v", comp.ComponentID, err))
			}
			if !ok {
				return e.fail(ctx, projectID, intent, opt, CodeInvariantViolation,
					fmt.Sprintf("Invariant violated for %s: %s", comp.ComponentID, inv.Description))
			}
		}
	}
	return nil
}

func runHandler(h models.Handler, inputs map[string]any, snap *models.StateSnapshot) (comps map[string]map[string]any, diffs []models.StateDiffEntry, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if inputs == nil {
		inputs = map[string]any{}
	}
	return h(inputs, snap)
}

func validateInputs(schema map[string]any, inputs map[string]any) (string, bool) {
	if schema == nil {
		return "", true
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(inputs),
	)
	if err != nil {
		return err.Error(), false
	}
	if result.Valid() {
		return "", true
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return strings.Join(details, "; "), false
}

// reject builds and persists a rejected result. Audit failures on the
// rejection path are logged, never surfaced.
func (e *Engine) reject(ctx context.Context, projectID string, intent models.ChatIntent, opt ExecOptions, code, message string) *models.ExecutionResult {
	return e.terminal(ctx, projectID, intent, opt, models.StatusRejected, code, message)
}

func (e *Engine) fail(ctx context.Context, projectID string, intent models.ChatIntent, opt ExecOptions, code, message string) *models.ExecutionResult {
	return e.terminal(ctx, projectID, intent, opt, models.StatusFailed, code, message)
}

func (e *Engine) terminal(ctx context.Context, projectID string, intent models.ChatIntent, opt ExecOptions, status models.ExecutionStatus, code, message string) *models.ExecutionResult {
	actionID := intent.ActionID
	if actionID == "" {
		actionID = "unknown"
	}
	res := &models.ExecutionResult{
		RequestID:       intent.RequestID,
		UserID:          opt.UserID,
		ActionID:        actionID,
		Status:          status,
		Timestamp:       time.Now().UTC(),
		Message:         message,
		StateSnapshotID: models.SnapshotUnknown,
		Simulated:       opt.Simulate,
		Error:           &models.ExecutionError{Code: code, Detail: message},
	}
	if !opt.Simulate {
		if err := e.repo.SaveExecution(ctx, projectID, res); err != nil {
			e.log.Error().Err(err).
				Str("project_id", projectID).
				Str("request_id", intent.RequestID).
				Str("code", code).
				Msg("persist terminal result")
		}
	}
	e.log.Debug().
		Str("project_id", projectID).
		Str("request_id", intent.RequestID).
		Str("action_id", actionID).
		Str("status", string(status)).
		Str("code", code).
		Msg(message)
	return res
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func componentsEnv(components map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(components))
	for id, state := range components {
		out[id] = map[string]any(state)
	}
	return out
}

func mapEnv(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stringsEnv(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func userEnv(u models.UserProfile) map[string]any {
	env := map[string]any{
		"id":        u.ID,
		"full_name": u.FullName,
		"email":     u.Email,
	}
	for k, v := range u.Attributes {
		env[k] = v
	}
	return env
}
