package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"warden/pkg/httpx"
	"warden/pkg/models"
	"warden/pkg/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// signatureHeader carries the hex HMAC-SHA256 digest of the canonical
// payload, computed with the webhook's stored secret.
const signatureHeader = "X-Warden-Signature"

func (s *Server) handlePutWebhook(w http.ResponseWriter, r *http.Request) {
	var hook models.Webhook
	if !decodeJSON(w, r, &hook) {
		return
	}
	if hook.ProjectID == "" || hook.ActionID == "" {
		httpx.Error(w, http.StatusBadRequest, "project_id and action_id required")
		return
	}
	if _, err := s.Repo.GetProject(r.Context(), hook.ProjectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if hook.ID == "" {
		hook.ID = uuid.NewString()
	}
	if hook.Secret == "" {
		hook.Secret = newSecret()
	}
	if err := s.Repo.PutWebhook(r.Context(), hook); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.Repo.ListWebhooks(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.DeleteWebhook(r.Context(), chi.URLParam(r, "webhook_id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhookTrigger is the endpoint external systems post signed payloads
// to. Verification failures are answered without touching the engine and
// counted as drops.
func (s *Server) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	res, err := s.Webhooks.Handle(r.Context(), chi.URLParam(r, "webhook_id"), json.RawMessage(body), r.Header.Get(signatureHeader))
	if err != nil {
		s.Metrics.IncWebhookDrop()
		switch {
		case errors.Is(err, webhook.ErrUnknownWebhook):
			httpx.Error(w, http.StatusNotFound, "unknown webhook")
		case errors.Is(err, webhook.ErrDisabled):
			httpx.Error(w, http.StatusGone, "webhook disabled")
		case errors.Is(err, webhook.ErrBadSignature):
			httpx.Error(w, http.StatusUnauthorized, "signature mismatch")
		case errors.Is(err, webhook.ErrInvalidPayload), errors.Is(err, webhook.ErrMissingTemplated):
			httpx.Error(w, http.StatusBadRequest, err.Error())
		default:
			s.writeStoreError(w, err)
		}
		return
	}
	s.recordExecution(res)
	httpx.WriteJSON(w, http.StatusOK, res)
}

type scheduleRequest struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	ActionID     string         `json:"action_id"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	EverySeconds int            `json:"every_seconds"`
	NextRun      time.Time      `json:"next_run,omitzero"`
	Enabled      bool           `json:"enabled"`
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.ActionID == "" {
		httpx.Error(w, http.StatusBadRequest, "project_id and action_id required")
		return
	}
	if req.EverySeconds <= 0 {
		httpx.Error(w, http.StatusBadRequest, "every_seconds must be positive")
		return
	}
	sched := models.Schedule{
		ID:        req.ID,
		ProjectID: req.ProjectID,
		ActionID:  req.ActionID,
		Inputs:    req.Inputs,
		Every:     time.Duration(req.EverySeconds) * time.Second,
		NextRun:   req.NextRun,
		Enabled:   req.Enabled,
	}
	if _, err := s.Repo.GetProject(r.Context(), sched.ProjectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.NextRun.IsZero() {
		sched.NextRun = time.Now().UTC().Add(sched.Every)
	}
	if err := s.Repo.PutSchedule(r.Context(), sched); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.Repo.ListSchedules(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.DeleteSchedule(r.Context(), chi.URLParam(r, "schedule_id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(buf)
}
