package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"warden/pkg/engine"
	"warden/pkg/models"
	"warden/pkg/registry"
	"warden/pkg/store"
)

func newWorker(t *testing.T) (*Worker, *store.Memory) {
	t.Helper()
	reg := registry.NewInMemory()
	registry.RegisterStdlib(reg)
	registry.RegisterSystem(reg)
	repo := store.NewMemory()
	if err := repo.CreateProject(context.Background(), "proj", "Test"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	eng := engine.New(reg, repo, engine.DefaultConfig(), zerolog.Nop())
	return NewWorker(eng, repo, time.Hour, zerolog.Nop()), repo
}

func TestTickFiresDueSchedules(t *testing.T) {
	w, repo := newWorker(t)
	ctx := context.Background()
	if err := repo.PutSchedule(ctx, models.Schedule{
		ID:        "s1",
		ProjectID: "proj",
		ActionID:  "demo.counter.increment",
		Inputs:    map[string]any{"amount": 4},
		Every:     time.Minute,
		NextRun:   time.Now().UTC().Add(-time.Second),
		Enabled:   true,
	}); err != nil {
		t.Fatalf("put schedule: %v", err)
	}

	w.Tick(ctx)

	snap, err := repo.GetLatestSnapshot(ctx, "proj")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if v := snap.Components[registry.CounterComponentID]["value"]; v != float64(4) {
		t.Fatalf("counter = %v, want 4", v)
	}
	history, _ := repo.GetExecutionHistory(ctx, "proj", 0)
	if len(history) != 1 || history[0].UserID != SystemIdentity {
		t.Fatalf("history = %+v", history)
	}

	// the claim advanced NextRun, so the next tick is a no-op
	w.Tick(ctx)
	history, _ = repo.GetExecutionHistory(ctx, "proj", 0)
	if len(history) != 1 {
		t.Fatalf("schedule double-fired: %d entries", len(history))
	}
}

func TestTickSkipsDisabledAndFuture(t *testing.T) {
	w, repo := newWorker(t)
	ctx := context.Background()
	repo.PutSchedule(ctx, models.Schedule{
		ID: "off", ProjectID: "proj", ActionID: "demo.counter.increment",
		Every: time.Minute, NextRun: time.Now().UTC().Add(-time.Second), Enabled: false,
	})
	repo.PutSchedule(ctx, models.Schedule{
		ID: "later", ProjectID: "proj", ActionID: "demo.counter.increment",
		Every: time.Minute, NextRun: time.Now().UTC().Add(time.Hour), Enabled: true,
	})

	w.Tick(ctx)
	history, _ := repo.GetExecutionHistory(ctx, "proj", 0)
	if len(history) != 0 {
		t.Fatalf("fired %d schedules, want none", len(history))
	}
}

func TestStartStop(t *testing.T) {
	w, repo := newWorker(t)
	w.interval = 10 * time.Millisecond
	repo.PutSchedule(context.Background(), models.Schedule{
		ID: "s1", ProjectID: "proj", ActionID: "demo.counter.increment",
		Every: time.Minute, NextRun: time.Now().UTC().Add(-time.Second), Enabled: true,
	})

	w.Start()
	deadline := time.After(2 * time.Second)
	for {
		history, _ := repo.GetExecutionHistory(context.Background(), "proj", 0)
		if len(history) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never fired the due schedule")
		case <-time.After(10 * time.Millisecond):
		}
	}
	w.Stop()
}
