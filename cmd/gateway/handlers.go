package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warden/pkg/engine"
	"warden/pkg/httpx"
	"warden/pkg/models"
	"warden/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrAlreadyExists):
		httpx.Error(w, http.StatusConflict, "already exists")
	case errors.Is(err, engine.ErrLockTimeout):
		httpx.Error(w, http.StatusServiceUnavailable, "project busy")
	default:
		s.Log.Error().Err(err).Msg("store operation failed")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// Projects.

type createProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	if err := s.Repo.CreateProject(r.Context(), req.ID, req.Name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if s.Observer != nil {
		s.Observer.Watch(req.ID)
	}
	project, err := s.Repo.GetProject(r.Context(), req.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Repo.ListProjects(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.Repo.GetProject(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, project)
}

func (s *Server) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if err := s.Repo.ArchiveProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": projectID, "status": "archived"})
}

func (s *Server) handlePurgeProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if err := s.Repo.PurgeProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if s.Observer != nil {
		s.Observer.Unwatch(projectID)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": projectID, "status": "purged"})
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Role == "" {
		httpx.Error(w, http.StatusBadRequest, "user_id and role required")
		return
	}
	if err := s.Repo.AddProjectMember(r.Context(), chi.URLParam(r, "project_id"), req.UserID, req.Role); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "role": req.Role})
}

// User profiles.

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var profile models.UserProfile
	if !decodeJSON(w, r, &profile) {
		return
	}
	profile.ID = chi.URLParam(r, "user_id")
	if err := s.Repo.PutUser(r.Context(), profile); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	profile, err := s.Repo.GetUser(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

// Policy.

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Repo.GetPolicy(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if doc == nil {
		doc = map[string]any{}
	}
	httpx.WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if !decodeJSON(w, r, &doc) {
		return
	}
	if doc == nil {
		httpx.Error(w, http.StatusBadRequest, "policy document required")
		return
	}
	if err := s.Repo.SetPolicy(r.Context(), chi.URLParam(r, "project_id"), doc); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, doc)
}

// Execution.

type executeRequest struct {
	UserID string            `json:"user_id"`
	Intent models.ChatIntent `json:"intent"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, false)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, true)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, simulate bool) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Intent.RequestID == "" {
		req.Intent.RequestID = uuid.NewString()
	}
	res, err := s.Engine.ExecuteIntent(r.Context(), chi.URLParam(r, "project_id"), req.Intent, engine.ExecOptions{
		UserID:   req.UserID,
		Simulate: simulate,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.recordExecution(res)
	httpx.WriteJSON(w, http.StatusOK, res)
}

type planRequest struct {
	UserID   string               `json:"user_id"`
	Simulate bool                 `json:"simulate"`
	Plan     models.ExecutionPlan `json:"plan"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Plan.Steps) == 0 {
		httpx.Error(w, http.StatusBadRequest, "plan requires at least one step")
		return
	}
	if req.Plan.PlanID == "" {
		req.Plan.PlanID = uuid.NewString()
	}
	results, err := s.Engine.ExecutePlan(r.Context(), chi.URLParam(r, "project_id"), req.Plan, engine.ExecOptions{
		UserID:   req.UserID,
		Simulate: req.Simulate,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	for _, res := range results {
		s.recordExecution(res)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"plan_id": req.Plan.PlanID, "results": results})
}

func (s *Server) recordExecution(res *models.ExecutionResult) {
	if res == nil {
		return
	}
	code := ""
	if res.Error != nil {
		code = res.Error.Code
	}
	s.Metrics.IncExecution(string(res.Status), res.ActionID, code)
	s.Metrics.ObserveEngineLatency(time.Duration(res.ExecutionTimeMS * float64(time.Millisecond)))
}

// History, facts, snapshots.

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	history, err := s.Repo.GetExecutionHistory(r.Context(), chi.URLParam(r, "project_id"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleBudgetForecast(w http.ResponseWriter, r *http.Request) {
	forecast, err := s.Engine.ForecastBudget(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, forecast)
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := s.Repo.ListSessionFacts(r.Context(), chi.URLParam(r, "project_id"), chi.URLParam(r, "user_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if facts == nil {
		facts = map[string]any{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"facts": facts})
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Repo.GetLatestSnapshot(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Repo.GetSnapshot(r.Context(), chi.URLParam(r, "project_id"), chi.URLParam(r, "snapshot_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

type revertRequest struct {
	UserID     string `json:"user_id"`
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SnapshotID == "" {
		httpx.Error(w, http.StatusBadRequest, "snapshot_id required")
		return
	}
	res, err := s.Engine.RevertToSnapshot(r.Context(), chi.URLParam(r, "project_id"), req.SnapshotID, req.UserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.recordExecution(res)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	opt := engine.ReconstructOptions{RequestID: r.URL.Query().Get("request_id")}
	if raw := r.URL.Query().Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		opt.Until = ts
	}
	state, err := s.Engine.ReconstructState(r.Context(), chi.URLParam(r, "project_id"), opt)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"components": state})
}

// Registry listings.

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"actions": s.Registry.ListActions()})
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"components": s.Registry.ListComponents()})
}
