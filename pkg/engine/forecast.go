package engine

import (
	"context"
	"time"

	"warden/pkg/models"
	"warden/pkg/policy"
)

// forecastHistoryLimit bounds the history scan that decides whether any
// spend landed today. The scan only needs one qualifying entry.
const forecastHistoryLimit = 100

// Budget forecast statuses.
const (
	ForecastNoLimit   = "no_limit"
	ForecastOK        = "ok"
	ForecastWarning   = "warning"
	ForecastExhausted = "exhausted"
)

// BudgetForecast projects when a project's daily budget will run out at the
// current spending pace. ExhaustionAt is set only when exhaustion is
// predicted before the next UTC midnight.
type BudgetForecast struct {
	Status          string     `json:"status"`
	Message         string     `json:"message,omitempty"`
	CurrentUsage    float64    `json:"current_usage"`
	DailyLimit      *float64   `json:"daily_limit,omitempty"`
	BurnRatePerHour float64    `json:"burn_rate_per_hour"`
	ExhaustionAt    *time.Time `json:"estimated_exhaustion_at,omitempty"`
}

// ForecastBudget estimates budget exhaustion from today's audited spend. The
// burn rate is the cost accumulated since UTC midnight divided by the hours
// elapsed, so early-morning estimates are coarse by construction.
func (e *Engine) ForecastBudget(ctx context.Context, projectID string) (*BudgetForecast, error) {
	return e.forecastBudgetAt(ctx, projectID, time.Now().UTC())
}

func (e *Engine) forecastBudgetAt(ctx context.Context, projectID string, now time.Time) (*BudgetForecast, error) {
	raw, err := e.repo.GetPolicy(ctx, projectID)
	if err != nil {
		return nil, err
	}
	doc := policy.Parse(raw)
	daily := doc.Limits.Budget.Daily
	if daily == nil {
		return &BudgetForecast{
			Status:  ForecastNoLimit,
			Message: "No daily budget limit set for this project.",
		}, nil
	}

	usage, err := e.repo.DailyBudgetUsage(ctx, projectID, now)
	if err != nil {
		return nil, err
	}
	out := &BudgetForecast{
		Status:       ForecastOK,
		CurrentUsage: usage,
		DailyLimit:   daily,
	}

	midnight := now.Truncate(24 * time.Hour)
	history, err := e.repo.GetExecutionHistory(ctx, projectID, forecastHistoryLimit)
	if err != nil {
		return nil, err
	}
	spentToday := false
	for _, entry := range history {
		if entry.Status == models.StatusSuccess && !entry.Simulated && !entry.Timestamp.Before(midnight) {
			spentToday = true
			break
		}
	}
	if !spentToday {
		return out, nil
	}

	// Clamp the elapsed time so a burst right after midnight does not
	// divide by zero.
	hoursElapsed := now.Sub(midnight).Hours()
	if hoursElapsed < 0.1 {
		hoursElapsed = 0.1
	}
	out.BurnRatePerHour = usage / hoursElapsed

	remaining := *daily - usage
	if remaining <= 0 {
		out.Status = ForecastExhausted
		out.ExhaustionAt = &now
		return out, nil
	}
	if out.BurnRatePerHour <= 0 {
		return out, nil
	}

	exhaustion := now.Add(time.Duration(remaining / out.BurnRatePerHour * float64(time.Hour)))
	if exhaustion.After(midnight.Add(24 * time.Hour)) {
		// The limit resets before the pace catches up with it.
		return out, nil
	}
	out.Status = ForecastWarning
	out.ExhaustionAt = &exhaustion
	return out, nil
}
