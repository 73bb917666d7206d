package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"warden/pkg/models"
)

// runContract exercises the Repository contract against any implementation.
func runContract(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	pid := fmt.Sprintf("proj-%d", time.Now().UnixNano())

	// projects
	if err := repo.CreateProject(ctx, pid, "Test Project"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := repo.CreateProject(ctx, pid, "dup"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	p, err := repo.GetProject(ctx, pid)
	if err != nil || p.Name != "Test Project" || p.Archived {
		t.Fatalf("get project: %+v %v", p, err)
	}
	if _, err := repo.GetProject(ctx, "missing-"+pid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing project: %v", err)
	}

	// members + users
	if err := repo.AddProjectMember(ctx, pid, "alice", models.RoleAdmin); err != nil {
		t.Fatalf("add member: %v", err)
	}
	role, err := repo.GetProjectMemberRole(ctx, pid, "alice")
	if err != nil || role != models.RoleAdmin {
		t.Fatalf("member role: %q %v", role, err)
	}
	if _, err := repo.GetProjectMemberRole(ctx, pid, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing member: %v", err)
	}
	if err := repo.PutUser(ctx, models.UserProfile{
		ID: "alice", FullName: "Alice", Email: "alice@corp.com",
		Attributes: map[string]any{"organization_id": "org1"},
	}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	u, err := repo.GetUser(ctx, "alice")
	if err != nil || u.Email != "alice@corp.com" || u.Attributes["organization_id"] != "org1" {
		t.Fatalf("get user: %+v %v", u, err)
	}

	// policy round trip
	if doc, err := repo.GetPolicy(ctx, pid); err != nil || doc != nil {
		t.Fatalf("unset policy: %v %v", doc, err)
	}
	policy := map[string]any{"limits": map[string]any{"rate": map[string]any{"per_minute": float64(3)}}}
	if err := repo.SetPolicy(ctx, pid, policy); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	doc, err := repo.GetPolicy(ctx, pid)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	rate := doc["limits"].(map[string]any)["rate"].(map[string]any)
	if rate["per_minute"] != float64(3) {
		t.Fatalf("policy round trip: %+v", doc)
	}

	// snapshots: checkpoint then delta chain
	base := models.NewSnapshot("s1-"+pid, map[string]map[string]any{
		"demo.counter": {"value": float64(1)},
	})
	if err := repo.SaveSnapshot(ctx, pid, base); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	delta := &models.StateSnapshot{
		SnapshotID: "s2-" + pid,
		Timestamp:  time.Now().UTC(),
		ParentID:   base.SnapshotID,
		Diffs: []models.StateDiffEntry{
			{Path: "demo.counter.value", Op: models.DiffReplace, Value: float64(2)},
		},
		Checksum: models.ComputeChecksum(map[string]map[string]any{
			"demo.counter": {"value": float64(2)},
		}),
	}
	if err := repo.SaveSnapshot(ctx, pid, delta); err != nil {
		t.Fatalf("save delta: %v", err)
	}
	got, err := repo.GetSnapshot(ctx, pid, delta.SnapshotID)
	if err != nil {
		t.Fatalf("get delta: %v", err)
	}
	if got.Components["demo.counter"]["value"] != float64(2) {
		t.Fatalf("materialized delta: %+v", got.Components)
	}
	if !models.VerifyChecksum(got) {
		t.Fatalf("materialized checksum mismatch")
	}
	latest, err := repo.GetLatestSnapshot(ctx, pid)
	if err != nil || latest.SnapshotID != delta.SnapshotID {
		t.Fatalf("latest: %+v %v", latest, err)
	}

	// audit log + atomic save
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		res := &models.ExecutionResult{
			RequestID: fmt.Sprintf("r%d", i),
			ActionID:  "demo.counter.increment",
			Status:    models.StatusSuccess,
			Timestamp: now,
			Cost:      1,
			StateDiff: []models.StateDiffEntry{
				{Path: "demo.counter.value", Op: models.DiffReplace, Value: float64(3 + i)},
			},
			StateSnapshotID: fmt.Sprintf("s%d-%s", 3+i, pid),
		}
		snap := &models.StateSnapshot{
			SnapshotID: res.StateSnapshotID,
			Timestamp:  now,
			ParentID:   delta.SnapshotID,
			Diffs:      res.StateDiff,
		}
		if i > 0 {
			snap.ParentID = fmt.Sprintf("s%d-%s", 2+i, pid)
		}
		if err := repo.SaveExecutionAndSnapshot(ctx, pid, res, snap); err != nil {
			t.Fatalf("atomic save %d: %v", i, err)
		}
	}
	rejected := &models.ExecutionResult{
		RequestID: "r-reject",
		ActionID:  "demo.counter.reset",
		Status:    models.StatusRejected,
		Timestamp: now,
		Error:     &models.ExecutionError{Code: "confirmation_required", Detail: "Confirmation required."},
	}
	if err := repo.SaveExecution(ctx, pid, rejected); err != nil {
		t.Fatalf("save rejection: %v", err)
	}

	hist, err := repo.GetExecutionHistory(ctx, pid, 0)
	if err != nil || len(hist) != 4 {
		t.Fatalf("history: %d %v", len(hist), err)
	}
	if hist[0].RequestID != "r0" || hist[3].RequestID != "r-reject" {
		t.Fatalf("history order: %s..%s", hist[0].RequestID, hist[3].RequestID)
	}
	if hist[3].Error == nil || hist[3].Error.Code != "confirmation_required" {
		t.Fatalf("error payload: %+v", hist[3].Error)
	}
	limited, err := repo.GetExecutionHistory(ctx, pid, 2)
	if err != nil || len(limited) != 2 || limited[1].RequestID != "r-reject" {
		t.Fatalf("limited history: %+v %v", limited, err)
	}

	// latest follows the atomic saves
	latest, err = repo.GetLatestSnapshot(ctx, pid)
	if err != nil || latest.Components["demo.counter"]["value"] != float64(5) {
		t.Fatalf("latest after chain: %+v %v", latest, err)
	}

	// counters: only successes count
	n, err := repo.CountRecentExecutions(ctx, pid, time.Minute)
	if err != nil || n != 3 {
		t.Fatalf("recent count: %d %v", n, err)
	}
	usage, err := repo.DailyBudgetUsage(ctx, pid, now)
	if err != nil || usage != 3 {
		t.Fatalf("budget usage: %v %v", usage, err)
	}

	// facts
	if err := repo.SaveSessionFact(ctx, pid, "alice", "color", "blue"); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	if err := repo.SaveSessionFact(ctx, pid, "alice", "color", "green"); err != nil {
		t.Fatalf("overwrite fact: %v", err)
	}
	facts, err := repo.ListSessionFacts(ctx, pid, "alice")
	if err != nil || facts["color"] != "green" {
		t.Fatalf("facts: %+v %v", facts, err)
	}
	if err := repo.DeleteSessionFact(ctx, pid, "alice", "color"); err != nil {
		t.Fatalf("delete fact: %v", err)
	}
	facts, _ = repo.ListSessionFacts(ctx, pid, "alice")
	if len(facts) != 0 {
		t.Fatalf("facts after delete: %+v", facts)
	}

	// webhooks
	wh := models.Webhook{
		ID: "wh1-" + pid, ProjectID: pid, ActionID: "demo.counter.set",
		Secret: "topsecret", Enabled: true,
		InputsTemplate: map[string]string{"value": "{{payload.count}}"},
	}
	if err := repo.PutWebhook(ctx, wh); err != nil {
		t.Fatalf("put webhook: %v", err)
	}
	gotWh, err := repo.GetWebhook(ctx, wh.ID)
	if err != nil || gotWh.InputsTemplate["value"] != "{{payload.count}}" {
		t.Fatalf("get webhook: %+v %v", gotWh, err)
	}
	whs, err := repo.ListWebhooks(ctx, pid)
	if err != nil || len(whs) != 1 {
		t.Fatalf("list webhooks: %+v %v", whs, err)
	}
	if err := repo.DeleteWebhook(ctx, wh.ID); err != nil {
		t.Fatalf("delete webhook: %v", err)
	}
	if _, err := repo.GetWebhook(ctx, wh.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted webhook: %v", err)
	}

	// schedules
	sched := models.Schedule{
		ID: "sch1-" + pid, ProjectID: pid, ActionID: "demo.counter.increment",
		Inputs: map[string]any{"amount": float64(1)},
		Every:  time.Minute, NextRun: now.Add(-time.Second), Enabled: true,
	}
	if err := repo.PutSchedule(ctx, sched); err != nil {
		t.Fatalf("put schedule: %v", err)
	}
	due, err := repo.ClaimDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	found := false
	for _, s := range due {
		if s.ID == sched.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("due schedule not claimed: %+v", due)
	}
	after, err := repo.GetSchedule(ctx, sched.ID)
	if err != nil || !after.NextRun.After(now) {
		t.Fatalf("next run not advanced: %+v %v", after, err)
	}
	if again, _ := repo.ClaimDueSchedules(ctx, now); containsSchedule(again, sched.ID) {
		t.Fatalf("schedule double-claimed")
	}

	// archive blocks nothing at the store level but flips the flag
	if err := repo.ArchiveProject(ctx, pid); err != nil {
		t.Fatalf("archive: %v", err)
	}
	p, _ = repo.GetProject(ctx, pid)
	if !p.Archived {
		t.Fatalf("archive flag not set")
	}

	// purge cascades
	if err := repo.PurgeProject(ctx, pid); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := repo.GetProject(ctx, pid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("project survived purge: %v", err)
	}
	if _, err := repo.GetLatestSnapshot(ctx, pid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("snapshots survived purge: %v", err)
	}
	if hist, _ := repo.GetExecutionHistory(ctx, pid, 0); len(hist) != 0 {
		t.Fatalf("executions survived purge: %d", len(hist))
	}
	if _, err := repo.GetSchedule(ctx, sched.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("schedule survived purge: %v", err)
	}

	if err := repo.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func containsSchedule(list []models.Schedule, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

func TestMemoryRepositoryContract(t *testing.T) {
	runContract(t, NewMemory())
}

// TestPostgresRepositoryContract runs the same contract against a live
// database. Set WARDEN_TEST_DATABASE_URL to enable it.
func TestPostgresRepositoryContract(t *testing.T) {
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	runContract(t, NewPostgres(pool))
}

func TestMemorySnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	if err := repo.CreateProject(ctx, "p1", "P"); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap := models.NewSnapshot("s1", map[string]map[string]any{"demo.counter": {"value": float64(1)}})
	if err := repo.SaveSnapshot(ctx, "p1", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	// mutating either the caller's copy or a read copy must not leak
	snap.Components["demo.counter"]["value"] = float64(99)
	got, _ := repo.GetLatestSnapshot(ctx, "p1")
	if got.Components["demo.counter"]["value"] != float64(1) {
		t.Fatalf("write aliasing: %+v", got.Components)
	}
	got.Components["demo.counter"]["value"] = float64(42)
	got2, _ := repo.GetLatestSnapshot(ctx, "p1")
	if got2.Components["demo.counter"]["value"] != float64(1) {
		t.Fatalf("read aliasing: %+v", got2.Components)
	}
}

func TestBrokenSnapshotChain(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	if err := repo.CreateProject(ctx, "p1", "P"); err != nil {
		t.Fatalf("create: %v", err)
	}
	orphan := &models.StateSnapshot{
		SnapshotID: "orphan",
		Timestamp:  time.Now().UTC(),
		ParentID:   "ghost",
		Diffs:      []models.StateDiffEntry{{Path: "a.b", Op: models.DiffAdd, Value: 1}},
	}
	if err := repo.SaveSnapshot(ctx, "p1", orphan); err != nil {
		t.Fatalf("save orphan: %v", err)
	}
	if _, err := repo.GetSnapshot(ctx, "p1", "orphan"); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected broken chain, got %v", err)
	}
}
