// Package agentsdk is the typed HTTP client agent hosts embed to drive a
// warden gateway: submit intents and plans, stream facts and history, and
// run a propose/execute turn loop around an agent.Adapter.
package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warden/pkg/agent"
	"warden/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// APIError carries the status and body of a non-2xx gateway response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway status=%d body=%s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type executeRequest struct {
	UserID string            `json:"user_id"`
	Intent models.ChatIntent `json:"intent"`
}

func (c *Client) ExecuteIntent(ctx context.Context, projectID, userID string, intent models.ChatIntent) (models.ExecutionResult, error) {
	var out models.ExecutionResult
	err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/execute",
		executeRequest{UserID: userID, Intent: intent}, &out)
	return out, err
}

func (c *Client) SimulateIntent(ctx context.Context, projectID, userID string, intent models.ChatIntent) (models.ExecutionResult, error) {
	var out models.ExecutionResult
	err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/simulate",
		executeRequest{UserID: userID, Intent: intent}, &out)
	return out, err
}

type planRequest struct {
	UserID   string               `json:"user_id"`
	Simulate bool                 `json:"simulate"`
	Plan     models.ExecutionPlan `json:"plan"`
}

type planResponse struct {
	PlanID  string                   `json:"plan_id"`
	Results []models.ExecutionResult `json:"results"`
}

func (c *Client) ExecutePlan(ctx context.Context, projectID, userID string, plan models.ExecutionPlan, simulate bool) ([]models.ExecutionResult, error) {
	var out planResponse
	err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/plan",
		planRequest{UserID: userID, Simulate: simulate, Plan: plan}, &out)
	return out.Results, err
}

func (c *Client) History(ctx context.Context, projectID string, limit int) ([]models.ExecutionResult, error) {
	path := "/v1/projects/" + url.PathEscape(projectID) + "/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		History []models.ExecutionResult `json:"history"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.History, err
}

func (c *Client) Facts(ctx context.Context, projectID, userID string) (map[string]any, error) {
	var out struct {
		Facts map[string]any `json:"facts"`
	}
	err := c.do(ctx, http.MethodGet,
		"/v1/projects/"+url.PathEscape(projectID)+"/users/"+url.PathEscape(userID)+"/facts", nil, &out)
	return out.Facts, err
}

func (c *Client) LatestSnapshot(ctx context.Context, projectID string) (models.StateSnapshot, error) {
	var out models.StateSnapshot
	err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(projectID)+"/snapshots/latest", nil, &out)
	return out, err
}

func (c *Client) ListActions(ctx context.Context) ([]models.ActionDeclaration, error) {
	var out struct {
		Actions []models.ActionDeclaration `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/actions", nil, &out)
	return out.Actions, err
}

// TurnResult is the outcome of one propose/execute round trip.
type TurnResult struct {
	Proposal agent.Proposal
	Results  []models.ExecutionResult
}

// RunTurn assembles a turn from the gateway's view of the project, asks the
// adapter for a proposal and executes it. Clarification requests come back
// with an empty Results slice so the host can relay the question.
func (c *Client) RunTurn(ctx context.Context, adapter agent.Adapter, projectID, userID, message string) (TurnResult, error) {
	if adapter == nil {
		return TurnResult{}, fmt.Errorf("agentsdk: adapter required")
	}
	turn := agent.Turn{
		ProjectID: projectID,
		UserID:    userID,
		Message:   message,
	}
	if snap, err := c.LatestSnapshot(ctx, projectID); err == nil {
		turn.State = snap.Components
	}
	if facts, err := c.Facts(ctx, projectID, userID); err == nil {
		turn.Facts = facts
	}
	if actions, err := c.ListActions(ctx); err == nil {
		turn.Actions = actions
	}

	proposal, err := adapter.Propose(ctx, turn)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agentsdk: propose: %w", err)
	}
	out := TurnResult{Proposal: proposal}
	switch {
	case proposal.Plan != nil:
		results, err := c.ExecutePlan(ctx, projectID, userID, *proposal.Plan, false)
		if err != nil {
			return out, err
		}
		out.Results = results
	case proposal.Intent != nil && proposal.Intent.Type == models.IntentActionCall:
		res, err := c.ExecuteIntent(ctx, projectID, userID, *proposal.Intent)
		if err != nil {
			return out, err
		}
		out.Results = []models.ExecutionResult{res}
	}
	return out, nil
}
