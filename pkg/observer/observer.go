// Package observer watches the execution audit log and dispatches new
// successful executions to registered callbacks. It complements engine hooks:
// hooks fire in-process at commit time, the observer also catches executions
// committed by other processes sharing the repository.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"warden/pkg/models"
	"warden/pkg/store"
)

// Callback receives each newly observed successful execution.
type Callback func(projectID string, res models.ExecutionResult)

const defaultPollInterval = time.Second

// Observer polls per-project history past a timestamp watermark.
type Observer struct {
	repo     store.Repository
	interval time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	watermarks map[string]time.Time
	callbacks  []Callback

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(repo store.Repository, pollInterval time.Duration, log zerolog.Logger) *Observer {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Observer{
		repo:       repo,
		interval:   pollInterval,
		log:        log.With().Str("component", "observer").Logger(),
		watermarks: map[string]time.Time{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Watch starts observing a project. Only executions after now are reported;
// the backlog is never replayed into callbacks.
func (o *Observer) Watch(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.watermarks[projectID]; !ok {
		o.watermarks[projectID] = time.Now().UTC()
	}
}

// Unwatch stops observing a project.
func (o *Observer) Unwatch(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.watermarks, projectID)
}

// Subscribe registers a callback for every newly observed success.
func (o *Observer) Subscribe(cb Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, cb)
}

// Start launches the polling loop. Call Stop to shut it down.
func (o *Observer) Start() {
	go o.run()
}

func (o *Observer) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

func (o *Observer) run() {
	defer close(o.done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.Poll(context.Background())
		}
	}
}

// Poll scans every watched project once. Exposed for tests and manual
// draining.
func (o *Observer) Poll(ctx context.Context) {
	o.mu.Lock()
	projects := make([]string, 0, len(o.watermarks))
	for id := range o.watermarks {
		projects = append(projects, id)
	}
	o.mu.Unlock()

	for _, projectID := range projects {
		o.pollProject(ctx, projectID)
	}
}

func (o *Observer) pollProject(ctx context.Context, projectID string) {
	o.mu.Lock()
	mark, ok := o.watermarks[projectID]
	o.mu.Unlock()
	if !ok {
		return
	}

	history, err := o.repo.GetExecutionHistory(ctx, projectID, 0)
	if err != nil {
		o.log.Error().Err(err).Str("project_id", projectID).Msg("observer poll")
		return
	}

	newMark := mark
	for _, entry := range history {
		if !entry.Timestamp.After(mark) {
			continue
		}
		if entry.Timestamp.After(newMark) {
			newMark = entry.Timestamp
		}
		if entry.Status != models.StatusSuccess || entry.Simulated {
			continue
		}
		o.dispatch(projectID, entry)
	}

	o.mu.Lock()
	// Unwatch during the poll wins
	if _, still := o.watermarks[projectID]; still {
		o.watermarks[projectID] = newMark
	}
	o.mu.Unlock()
}

func (o *Observer) dispatch(projectID string, entry models.ExecutionResult) {
	o.mu.Lock()
	callbacks := append([]Callback(nil), o.callbacks...)
	o.mu.Unlock()
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error().
						Str("project_id", projectID).
						Str("request_id", entry.RequestID).
						Interface("panic", r).
						Msg("observer callback panicked")
				}
			}()
			cb(projectID, entry)
		}()
	}
}
