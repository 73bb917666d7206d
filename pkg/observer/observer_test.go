package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"warden/pkg/engine"
	"warden/pkg/models"
	"warden/pkg/registry"
	"warden/pkg/store"
)

type fixture struct {
	obs  *Observer
	eng  *engine.Engine
	repo *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.NewInMemory()
	registry.RegisterStdlib(reg)
	registry.RegisterSystem(reg)
	repo := store.NewMemory()
	if err := repo.CreateProject(context.Background(), "proj", "Test"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	eng := engine.New(reg, repo, engine.DefaultConfig(), zerolog.Nop())
	return &fixture{
		obs:  New(repo, time.Hour, zerolog.Nop()),
		eng:  eng,
		repo: repo,
	}
}

func (f *fixture) execute(t *testing.T, actionID string, inputs map[string]any) *models.ExecutionResult {
	t.Helper()
	res, err := f.eng.ExecuteIntent(context.Background(), "proj", models.ChatIntent{
		Type:      models.IntentActionCall,
		RequestID: "req-" + actionID + time.Now().Format("150405.000000000"),
		ActionID:  actionID,
		Inputs:    inputs,
	}, engine.ExecOptions{Roles: []string{models.RoleAdmin}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func TestObserverDispatchesNewSuccesses(t *testing.T) {
	f := newFixture(t)

	// committed before Watch: backlog, never replayed
	f.execute(t, "demo.counter.set", map[string]any{"value": 1})

	f.obs.Watch("proj")
	var mu sync.Mutex
	var seen []string
	f.obs.Subscribe(func(projectID string, res models.ExecutionResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, res.ActionID)
	})
	f.obs.Subscribe(func(string, models.ExecutionResult) {
		panic("bad callback")
	})

	f.execute(t, "demo.counter.increment", map[string]any{})
	f.execute(t, "demo.missing", nil) // rejected, must not dispatch
	f.obs.Poll(context.Background())

	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "demo.counter.increment" {
		t.Fatalf("dispatched = %v", got)
	}

	// polling again does not re-dispatch processed entries
	f.obs.Poll(context.Background())
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("re-dispatched: %d callbacks", n)
	}
}

func TestUnwatchStopsDispatch(t *testing.T) {
	f := newFixture(t)
	f.obs.Watch("proj")
	var count int
	f.obs.Subscribe(func(string, models.ExecutionResult) { count++ })

	f.obs.Unwatch("proj")
	f.execute(t, "demo.counter.set", map[string]any{"value": 1})
	f.obs.Poll(context.Background())
	if count != 0 {
		t.Fatalf("dispatched after unwatch: %d", count)
	}
}

func TestObserverStartStop(t *testing.T) {
	f := newFixture(t)
	f.obs.interval = 10 * time.Millisecond
	f.obs.Watch("proj")

	var mu sync.Mutex
	var count int
	f.obs.Subscribe(func(string, models.ExecutionResult) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	f.obs.Start()
	f.execute(t, "demo.counter.set", map[string]any{"value": 2})
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("observer never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
	f.obs.Stop()
}
