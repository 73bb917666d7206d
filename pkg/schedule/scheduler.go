// Package schedule runs registered interval schedules against the engine.
// A worker polls the repository for due schedules, claims them (the claim
// advances NextRun so concurrent workers never double-fire), and submits
// each as a confirmed autonomous intent under the system scheduler identity.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"warden/pkg/engine"
	"warden/pkg/models"
	"warden/pkg/store"
)

// SystemIdentity is the user id attached to scheduled executions.
const SystemIdentity = "system_scheduler"

const defaultPollInterval = time.Second

// Worker polls for due schedules in a background goroutine.
type Worker struct {
	eng      *engine.Engine
	repo     store.Repository
	interval time.Duration
	log      zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewWorker(eng *engine.Engine, repo store.Repository, pollInterval time.Duration, log zerolog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		eng:      eng,
		repo:     repo,
		interval: pollInterval,
		log:      log.With().Str("component", "scheduler").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. Call Stop to shut it down.
func (w *Worker) Start() {
	go w.run()
}

// Stop terminates the loop and waits for the current tick to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Tick(context.Background())
		}
	}
}

// Tick claims and fires every due schedule once. Exposed so tests and the
// gateway can drive the worker without real time passing.
func (w *Worker) Tick(ctx context.Context) {
	due, err := w.repo.ClaimDueSchedules(ctx, time.Now().UTC())
	if err != nil {
		w.log.Error().Err(err).Msg("claim due schedules")
		return
	}
	for _, s := range due {
		w.fire(ctx, s)
	}
}

func (w *Worker) fire(ctx context.Context, s models.Schedule) {
	intent := models.ChatIntent{
		Type:          models.IntentActionCall,
		RequestID:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		ExecutionMode: models.ModeAutonomous,
		ActionID:      s.ActionID,
		Inputs:        s.Inputs,
		Confirmed:     true,
		Trace:         map[string]any{"source": "schedule", "schedule_id": s.ID},
	}
	if intent.Inputs == nil {
		intent.Inputs = map[string]any{}
	}
	res, err := w.eng.ExecuteIntent(ctx, s.ProjectID, intent, engine.ExecOptions{
		UserID: SystemIdentity,
		Roles:  []string{models.RoleAdmin},
	})
	if err != nil {
		w.log.Error().Err(err).
			Str("schedule_id", s.ID).
			Str("project_id", s.ProjectID).
			Msg("scheduled execution errored")
		return
	}
	w.log.Info().
		Str("schedule_id", s.ID).
		Str("project_id", s.ProjectID).
		Str("action_id", s.ActionID).
		Str("status", string(res.Status)).
		Msg("schedule fired")
}
