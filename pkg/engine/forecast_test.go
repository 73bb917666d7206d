package engine

import (
	"context"
	"testing"
	"time"

	"warden/pkg/models"
)

func seedSpend(t *testing.T, env *testEnv, ts time.Time, cost float64) {
	t.Helper()
	err := env.repo.SaveExecution(context.Background(), "proj", &models.ExecutionResult{
		RequestID:       "req-" + ts.Format("150405"),
		UserID:          "alice",
		ActionID:        "demo.counter.set",
		Status:          models.StatusSuccess,
		Timestamp:       ts,
		Cost:            cost,
		StateSnapshotID: models.SnapshotNone,
	})
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}
}

func TestForecastWithoutDailyLimit(t *testing.T) {
	env := newTestEnv(t)
	fc, err := env.eng.ForecastBudget(context.Background(), "proj")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if fc.Status != ForecastNoLimit {
		t.Fatalf("status = %q, want %q", fc.Status, ForecastNoLimit)
	}
	if fc.DailyLimit != nil || fc.ExhaustionAt != nil {
		t.Fatalf("no-limit forecast should carry no limit or exhaustion: %+v", fc)
	}
}

func TestForecastStatuses(t *testing.T) {
	noon := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		daily        float64
		spent        float64
		wantStatus   string
		wantExhausts bool
	}{
		// 30 units in 12 hours burns 2.5/hour; 70 remaining outlives the day.
		{"pace sustainable", 100, 30, ForecastOK, false},
		// 10 remaining at 2.5/hour runs out at 16:00 UTC.
		{"pace exhausts today", 40, 30, ForecastWarning, true},
		{"already over", 20, 30, ForecastExhausted, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			setPolicy(t, env, map[string]any{
				"limits": map[string]any{"budget": map[string]any{"daily": tc.daily}},
			})
			seedSpend(t, env, noon.Add(-time.Hour), tc.spent)

			fc, err := env.eng.forecastBudgetAt(context.Background(), "proj", noon)
			if err != nil {
				t.Fatalf("forecast: %v", err)
			}
			if fc.Status != tc.wantStatus {
				t.Fatalf("status = %q, want %q", fc.Status, tc.wantStatus)
			}
			if fc.CurrentUsage != tc.spent {
				t.Fatalf("usage = %g, want %g", fc.CurrentUsage, tc.spent)
			}
			if got := fc.BurnRatePerHour; got != tc.spent/12 {
				t.Fatalf("burn rate = %g, want %g", got, tc.spent/12)
			}
			if tc.wantExhausts != (fc.ExhaustionAt != nil) {
				t.Fatalf("exhaustion = %v, want set=%v", fc.ExhaustionAt, tc.wantExhausts)
			}
			if tc.wantStatus == ForecastWarning {
				want := time.Date(2026, 5, 4, 16, 0, 0, 0, time.UTC)
				if !fc.ExhaustionAt.Equal(want) {
					t.Fatalf("exhaustion at %v, want %v", fc.ExhaustionAt, want)
				}
			}
		})
	}
}

func TestForecastIgnoresStaleSpend(t *testing.T) {
	noon := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t)
	setPolicy(t, env, map[string]any{
		"limits": map[string]any{"budget": map[string]any{"daily": float64(10)}},
	})
	// everything before midnight is last period's spend
	seedSpend(t, env, noon.Add(-24*time.Hour), 50)

	fc, err := env.eng.forecastBudgetAt(context.Background(), "proj", noon)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if fc.Status != ForecastOK {
		t.Fatalf("status = %q, want %q", fc.Status, ForecastOK)
	}
	if fc.CurrentUsage != 0 || fc.BurnRatePerHour != 0 || fc.ExhaustionAt != nil {
		t.Fatalf("stale spend leaked into forecast: %+v", fc)
	}
}
