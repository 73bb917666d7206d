package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"warden/pkg/models"
	"warden/pkg/webhook"
)

func postHook(t *testing.T, s *Server, webhookID string, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/hooks/"+webhookID, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.Routes("").ServeHTTP(rec, req)
	return rec
}

func TestWebhookLifecycleAndTrigger(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	rec := doRequest(t, s, http.MethodPost, "/v1/webhooks", models.Webhook{
		ProjectID:      "proj",
		ActionID:       "demo.counter.set",
		Enabled:        true,
		InputsTemplate: map[string]string{"value": "{{payload.count}}"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	hook := decodeBody[models.Webhook](t, rec)
	if hook.ID == "" || hook.Secret == "" {
		t.Fatalf("webhook missing generated fields: %+v", hook)
	}

	payload := []byte(`{"count": 11}`)
	sig, err := webhook.Sign(hook.Secret, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = postHook(t, s, hook.ID, payload, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[models.ExecutionResult](t, rec)
	if res.Status != models.StatusSuccess {
		t.Fatalf("trigger result = %+v", res)
	}

	latest := decodeBody[models.StateSnapshot](t, doRequest(t, s, http.MethodGet, "/v1/projects/proj/snapshots/latest", nil))
	if latest.Components["demo.counter"]["value"] != float64(11) {
		t.Fatalf("counter = %v", latest.Components["demo.counter"])
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/webhooks", nil)
	list := decodeBody[map[string][]models.Webhook](t, rec)
	if len(list["webhooks"]) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(list["webhooks"]))
	}

	rec = doRequest(t, s, http.MethodDelete, "/v1/webhooks/"+hook.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = postHook(t, s, hook.ID, payload, sig)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted trigger status = %d, want 404", rec.Code)
	}
}

func TestWebhookTriggerDrops(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	rec := doRequest(t, s, http.MethodPost, "/v1/webhooks", models.Webhook{
		ProjectID: "proj",
		ActionID:  "demo.counter.set",
		Enabled:   true,
	})
	hook := decodeBody[models.Webhook](t, rec)

	payload := []byte(`{"value": 1}`)
	rec = postHook(t, s, hook.ID, payload, "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", rec.Code)
	}

	rec = postHook(t, s, "missing", payload, "deadbeef")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown webhook status = %d, want 404", rec.Code)
	}

	hook.Enabled = false
	rec = doRequest(t, s, http.MethodPost, "/v1/webhooks", hook)
	if rec.Code != http.StatusCreated {
		t.Fatalf("disable status = %d", rec.Code)
	}
	sig, err := webhook.Sign(hook.Secret, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = postHook(t, s, hook.ID, payload, sig)
	if rec.Code != http.StatusGone {
		t.Fatalf("disabled status = %d, want 410", rec.Code)
	}

	if drops := s.Metrics.Snapshot().WebhookDrops; drops != 3 {
		t.Fatalf("webhook drops = %d, want 3", drops)
	}
	if hist := decodeBody[map[string][]models.ExecutionResult](t, doRequest(t, s, http.MethodGet, "/v1/projects/proj/history", nil)); len(hist["history"]) != 0 {
		t.Fatalf("history = %d entries, want 0", len(hist["history"]))
	}
}

func TestWebhookRequiresExistingProject(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/webhooks", models.Webhook{
		ProjectID: "ghost",
		ActionID:  "demo.counter.set",
		Enabled:   true,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	s, repo := newTestServer(t)
	seedProject(t, repo)

	rec := doRequest(t, s, http.MethodPost, "/v1/schedules", scheduleRequest{
		ProjectID:    "proj",
		ActionID:     "demo.counter.increment",
		Inputs:       map[string]any{"amount": 2},
		EverySeconds: 60,
		Enabled:      true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var sched models.Schedule
	if err := json.Unmarshal(rec.Body.Bytes(), &sched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sched.ID == "" || sched.NextRun.IsZero() {
		t.Fatalf("schedule missing generated fields: %+v", sched)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/projects/proj/schedules", nil)
	list := decodeBody[map[string][]models.Schedule](t, rec)
	if len(list["schedules"]) != 1 {
		t.Fatalf("schedules = %d, want 1", len(list["schedules"]))
	}

	rec = doRequest(t, s, http.MethodDelete, "/v1/schedules/"+sched.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/schedules", scheduleRequest{
		ProjectID: "proj",
		ActionID:  "demo.counter.increment",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero interval status = %d, want 400", rec.Code)
	}
}
