// Package store persists projects, snapshots, the execution audit log,
// session facts, policies, webhooks and schedules. Two implementations share
// one contract: an in-memory repository for tests and single-instance runs,
// and a Postgres repository over pgx for durable deployments.
//
// Snapshots are stored differentially: checkpoints carry the full component
// map, deltas carry only diffs plus a parent pointer. Reads always return
// materialized snapshots.
package store

import (
	"context"
	"errors"
	"time"

	"warden/pkg/models"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrBrokenChain   = errors.New("store: snapshot parent chain is broken")
)

// Repository is the persistence contract consumed by the engine and the
// trigger workers.
type Repository interface {
	// Projects.
	CreateProject(ctx context.Context, id, name string) error
	GetProject(ctx context.Context, id string) (models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	ArchiveProject(ctx context.Context, id string) error
	// PurgeProject removes the project and cascades snapshots, executions,
	// facts, webhooks, schedules and memberships.
	PurgeProject(ctx context.Context, id string) error
	AddProjectMember(ctx context.Context, projectID, userID, role string) error
	GetProjectMemberRole(ctx context.Context, projectID, userID string) (string, error)

	// User profiles.
	PutUser(ctx context.Context, u models.UserProfile) error
	GetUser(ctx context.Context, id string) (models.UserProfile, error)

	// Policy document, stored as loose JSON.
	SetPolicy(ctx context.Context, projectID string, doc map[string]any) error
	GetPolicy(ctx context.Context, projectID string) (map[string]any, error)

	// Snapshots. Reads materialize delta snapshots before returning.
	SaveSnapshot(ctx context.Context, projectID string, snap *models.StateSnapshot) error
	GetSnapshot(ctx context.Context, projectID, snapshotID string) (*models.StateSnapshot, error)
	GetLatestSnapshot(ctx context.Context, projectID string) (*models.StateSnapshot, error)

	// Audit log. SaveExecutionAndSnapshot commits both rows atomically.
	SaveExecution(ctx context.Context, projectID string, res *models.ExecutionResult) error
	SaveExecutionAndSnapshot(ctx context.Context, projectID string, res *models.ExecutionResult, snap *models.StateSnapshot) error
	// GetExecutionHistory returns entries oldest first; limit<=0 means all.
	GetExecutionHistory(ctx context.Context, projectID string, limit int) ([]models.ExecutionResult, error)

	// Policy counters.
	CountRecentExecutions(ctx context.Context, projectID string, window time.Duration) (int, error)
	DailyBudgetUsage(ctx context.Context, projectID string, now time.Time) (float64, error)

	// Session facts, written via the memory actions.
	SaveSessionFact(ctx context.Context, projectID, userID, key string, value any) error
	DeleteSessionFact(ctx context.Context, projectID, userID, key string) error
	ListSessionFacts(ctx context.Context, projectID, userID string) (map[string]any, error)

	// Webhooks.
	PutWebhook(ctx context.Context, w models.Webhook) error
	GetWebhook(ctx context.Context, id string) (models.Webhook, error)
	ListWebhooks(ctx context.Context, projectID string) ([]models.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error

	// Schedules. ClaimDueSchedules returns enabled schedules whose NextRun
	// is due and advances their NextRun past now in the same operation, so
	// concurrent workers never double-fire one schedule.
	PutSchedule(ctx context.Context, s models.Schedule) error
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	ListSchedules(ctx context.Context, projectID string) ([]models.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	ClaimDueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error)

	Health(ctx context.Context) error
}

// advanceNextRun moves a due schedule's watermark to the first slot after
// now, skipping any slots missed while the worker was down.
func advanceNextRun(s *models.Schedule, now time.Time) {
	if s.Every <= 0 {
		s.NextRun = now.Add(time.Minute)
		return
	}
	for !s.NextRun.After(now) {
		s.NextRun = s.NextRun.Add(s.Every)
	}
}
