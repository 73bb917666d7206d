package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"warden/pkg/engine"
	"warden/pkg/metrics"
	"warden/pkg/models"
	"warden/pkg/observer"
	"warden/pkg/ratelimit"
	"warden/pkg/registry"
	"warden/pkg/store"
	"warden/pkg/stream"
	"warden/pkg/webhook"

	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	reg := registry.NewInMemory()
	registry.RegisterStdlib(reg)
	registry.RegisterSystem(reg)
	repo := store.NewMemory()
	log := zerolog.Nop()
	eng := engine.New(reg, repo, engine.DefaultConfig(), log)
	s := &Server{
		Repo:                repo,
		Engine:              eng,
		Registry:            reg,
		Webhooks:            webhook.NewTrigger(eng, repo, log),
		Events:              stream.NewHub(),
		Observer:            observer.New(repo, time.Minute, log),
		Metrics:             metrics.NewRegistry(),
		RateLimiter:         ratelimit.NewInMemory(time.Minute),
		RateLimitEnabled:    false,
		RateLimitPerMinute:  60,
		MaxRequestBodyBytes: 1 << 20,
		Log:                 log,
	}
	return s, repo
}

func seedProject(t *testing.T, repo *store.Memory) {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateProject(ctx, "proj", "Test Project"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := repo.PutUser(ctx, models.UserProfile{ID: "alice", FullName: "Alice"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := repo.AddProjectMember(ctx, "proj", "alice", models.RoleAdmin); err != nil {
		t.Fatalf("add member: %v", err)
	}
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Routes("").ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func executeBody(userID, actionID string, inputs map[string]any, confirmed bool) executeRequest {
	return executeRequest{
		UserID: userID,
		Intent: models.ChatIntent{
			Type:      models.IntentActionCall,
			RequestID: fmt.Sprintf("req-%s-%d", actionID, time.Now().UnixNano()),
			ActionID:  actionID,
			Inputs:    inputs,
			Confirmed: confirmed,
		},
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestProjectLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/v1/projects", createProjectRequest{Name: "Demo"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	project := decodeBody[models.Project](t, rec)
	if project.ID == "" || project.Name != "Demo" {
		t.Fatalf("unexpected project %+v", project)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/"+project.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects", nil)
	list := decodeBody[map[string][]models.Project](t, rec)
	if len(list["projects"]) != 1 {
		t.Fatalf("projects = %d, want 1", len(list["projects"]))
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/projects/"+project.ID+"/archive", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("archive status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/v1/projects/"+project.ID+"/execute",
		executeBody("", "demo.counter.set", map[string]any{"value": 1}, false))
	res := decodeBody[models.ExecutionResult](t, rec)
	if res.Status != models.StatusRejected || res.Error == nil || res.Error.Code != engine.CodeProjectArchived {
		t.Fatalf("archived execute = %+v", res)
	}

	rec = doRequest(t, s, http.MethodDelete, "/v1/projects/"+project.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("purge status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/projects/"+project.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after purge = %d, want 404", rec.Code)
	}
}

func TestExecuteEndpointCommitsAndCounts(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	rec := doRequest(t, s, http.MethodPost, "/v1/projects/proj/execute",
		executeBody("alice", "demo.counter.set", map[string]any{"value": 42}, false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[models.ExecutionResult](t, rec)
	if res.Status != models.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/history", nil)
	hist := decodeBody[map[string][]models.ExecutionResult](t, rec)
	if len(hist["history"]) != 1 {
		t.Fatalf("history = %d entries, want 1", len(hist["history"]))
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/snapshots/latest", nil)
	snap := decodeBody[models.StateSnapshot](t, rec)
	if snap.Components["demo.counter"]["value"] != float64(42) {
		t.Fatalf("snapshot counter = %v", snap.Components["demo.counter"])
	}

	m := s.Metrics.Snapshot()
	if m.Statuses["success"] != 1 || m.Actions["demo.counter.set"] != 1 {
		t.Fatalf("metrics = %+v", m.Statuses)
	}
}

func TestSimulateEndpointNeverPersists(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	rec := doRequest(t, s, http.MethodPost, "/v1/projects/proj/simulate",
		executeBody("alice", "demo.counter.set", map[string]any{"value": 9}, false))
	res := decodeBody[models.ExecutionResult](t, rec)
	if !res.Simulated || res.StateSnapshotID != models.SnapshotSimulated {
		t.Fatalf("simulate result = %+v", res)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/history", nil)
	hist := decodeBody[map[string][]models.ExecutionResult](t, rec)
	if len(hist["history"]) != 0 {
		t.Fatalf("history after simulate = %d entries, want 0", len(hist["history"]))
	}
}

func TestPlanEndpoint(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	steps := []models.ChatIntent{
		executeBody("alice", "demo.counter.set", map[string]any{"value": 10}, false).Intent,
		executeBody("alice", "demo.counter.increment", map[string]any{"amount": 5}, false).Intent,
	}
	rec := doRequest(t, s, http.MethodPost, "/v1/projects/proj/plan", planRequest{
		UserID: "alice",
		Plan:   models.ExecutionPlan{Steps: steps},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		PlanID  string                   `json:"plan_id"`
		Results []models.ExecutionResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.PlanID == "" || len(out.Results) != 2 {
		t.Fatalf("plan response = %+v", out)
	}
	for _, res := range out.Results {
		if res.Status != models.StatusSuccess {
			t.Fatalf("step %s = %+v", res.ActionID, res)
		}
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/projects/proj/plan", planRequest{UserID: "alice"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty plan status = %d, want 400", rec.Code)
	}
}

func TestPlanEndpointStepCap(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	steps := make([]models.ChatIntent, 0, 5)
	for i := 0; i < 5; i++ {
		intent := executeBody("alice", "demo.counter.increment", map[string]any{"amount": 1}, false).Intent
		intent.ExecutionMode = models.ModeInteractive
		steps = append(steps, intent)
	}
	rec := doRequest(t, s, http.MethodPost, "/v1/projects/proj/plan", planRequest{
		UserID: "alice",
		Plan:   models.ExecutionPlan{Steps: steps},
	})
	var out struct {
		Results []models.ExecutionResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(out.Results))
	}
	if out.Results[0].Error == nil || out.Results[0].Error.Code != engine.CodePlanLimitExceeded {
		t.Fatalf("cap result = %+v", out.Results[0])
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	doc := map[string]any{
		"limits": map[string]any{"rate": map[string]any{"per_minute": 3}},
	}
	rec := doRequest(t, s, http.MethodPut, "/v1/projects/proj/policy", doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/policy", nil)
	got := decodeBody[map[string]any](t, rec)
	if got["limits"] == nil {
		t.Fatalf("policy = %v", got)
	}
}

func TestFactsEndpoint(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	rec := doRequest(t, s, http.MethodPost, "/v1/projects/proj/execute",
		executeBody("alice", "memory.remember", map[string]any{"key": "favorite", "value": "blue"}, false))
	res := decodeBody[models.ExecutionResult](t, rec)
	if res.Status != models.StatusSuccess {
		t.Fatalf("remember = %+v", res)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/users/alice/facts", nil)
	facts := decodeBody[map[string]map[string]any](t, rec)
	if facts["facts"]["favorite"] != "blue" {
		t.Fatalf("facts = %v", facts)
	}
}

func TestRevertAndReconstructEndpoints(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	doRequest(t, s, http.MethodPost, "/v1/projects/proj/execute",
		executeBody("alice", "demo.counter.set", map[string]any{"value": 1}, false))
	rec := doRequest(t, s, http.MethodGet, "/v1/projects/proj/snapshots/latest", nil)
	snap1 := decodeBody[models.StateSnapshot](t, rec)

	doRequest(t, s, http.MethodPost, "/v1/projects/proj/execute",
		executeBody("alice", "demo.counter.set", map[string]any{"value": 2}, false))

	rec = doRequest(t, s, http.MethodPost, "/v1/projects/proj/revert", revertRequest{
		UserID:     "alice",
		SnapshotID: snap1.SnapshotID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revert status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[models.ExecutionResult](t, rec)
	if res.Status != models.StatusSuccess || res.ActionID != registry.ActionRevert {
		t.Fatalf("revert result = %+v", res)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/snapshots/latest", nil)
	latest := decodeBody[models.StateSnapshot](t, rec)
	if latest.Components["demo.counter"]["value"] != float64(1) {
		t.Fatalf("counter after revert = %v", latest.Components["demo.counter"])
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/reconstruct", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconstruct status = %d: %s", rec.Code, rec.Body.String())
	}
	state := decodeBody[map[string]map[string]map[string]any](t, rec)
	if state["components"]["demo.counter"]["value"] != float64(1) {
		t.Fatalf("reconstructed = %v", state["components"])
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/reconstruct?until=not-a-time", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad until status = %d, want 400", rec.Code)
	}
}

func TestUserProfileEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/v1/users/bob", models.UserProfile{
		FullName:   "Bob",
		Attributes: map[string]any{"department": "ops"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/users/bob", nil)
	profile := decodeBody[models.UserProfile](t, rec)
	if profile.ID != "bob" || profile.Attributes["department"] != "ops" {
		t.Fatalf("profile = %+v", profile)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/users/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing user status = %d, want 404", rec.Code)
	}
}

func TestRegistryListings(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/actions", nil)
	actions := decodeBody[map[string][]models.ActionDeclaration](t, rec)
	if len(actions["actions"]) == 0 {
		t.Fatal("no actions listed")
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/components", nil)
	components := decodeBody[map[string][]models.ComponentDeclaration](t, rec)
	if len(components["components"]) == 0 {
		t.Fatal("no components listed")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 2

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodGet, "/v1/projects", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := doRequest(t, s, http.MethodGet, "/v1/projects", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	// healthz is exempt so orchestrators keep their probes.
	rec = doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)
	s.MaxRequestBodyBytes = 64

	big := executeBody("alice", "demo.counter.set", map[string]any{"value": 1}, false)
	big.Intent.Inputs["padding"] = bytes.Repeat([]byte("a"), 256)
	rec := doRequest(t, s, http.MethodPost, "/v1/projects/proj/execute", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestBudgetForecastEndpoint(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	rec := doRequest(t, s, http.MethodGet, "/v1/projects/proj/budget/forecast", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[engine.BudgetForecast](t, rec)
	if got.Status != engine.ForecastNoLimit {
		t.Fatalf("status = %q, want %q", got.Status, engine.ForecastNoLimit)
	}

	doc := map[string]any{
		"limits": map[string]any{"budget": map[string]any{"daily": 100}},
	}
	if rec = doRequest(t, s, http.MethodPut, "/v1/projects/proj/policy", doc); rec.Code != http.StatusOK {
		t.Fatalf("put policy = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/budget/forecast", nil)
	got = decodeBody[engine.BudgetForecast](t, rec)
	if got.Status != engine.ForecastOK {
		t.Fatalf("status = %q, want %q", got.Status, engine.ForecastOK)
	}
	if got.DailyLimit == nil || *got.DailyLimit != 100 {
		t.Fatalf("daily limit = %v, want 100", got.DailyLimit)
	}
}
