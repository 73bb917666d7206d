// Package engine is the governed execution core. Every state mutation enters
// through ExecuteIntent, which runs the full gate pipeline (authorization,
// validation, policy, integrity) and commits an audit entry plus a
// differential snapshot atomically. Nothing writes component state except a
// committed action.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"warden/pkg/models"
	"warden/pkg/registry"
	"warden/pkg/store"
)

// ErrLockTimeout is returned when a project's advisory lock cannot be
// acquired within Config.LockTimeout.
var ErrLockTimeout = errors.New("engine: project lock timeout")

// Hook observes committed, non-simulated successful executions.
type Hook func(projectID string, res *models.ExecutionResult)

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	// CheckpointInterval writes a full checkpoint snapshot every Nth
	// successful execution; snapshots in between store only diffs.
	CheckpointInterval int
	// LockTimeout bounds how long one execution may wait for a project's
	// advisory lock.
	LockTimeout time.Duration
	// DisableConfirmation turns off the confirmed-flag gate for actions
	// marked confirmation_required or high risk. The gate is on for the
	// zero Config; only tests disable it.
	DisableConfirmation bool
}

const (
	defaultCheckpointInterval = 5
	defaultLockTimeout        = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	return c
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: defaultCheckpointInterval,
		LockTimeout:        defaultLockTimeout,
	}
}

// Engine mediates between intents and the repository.
type Engine struct {
	reg    registry.Registry
	repo   store.Repository
	cfg    Config
	log    zerolog.Logger
	tracer trace.Tracer

	locks    sync.Map // projectID -> chan struct{}
	counters sync.Map // projectID -> *counter

	hooksMu sync.RWMutex
	hooks   []Hook
}

type counter struct {
	mu sync.Mutex
	n  int
}

func New(reg registry.Registry, repo store.Repository, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		reg:    reg,
		repo:   repo,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "engine").Logger(),
		tracer: otel.Tracer("warden/engine"),
	}
}

// RegisterHook adds a post-execution observer. Hooks run synchronously after
// commit; panics are caught and logged so one misbehaving hook cannot poison
// the pipeline.
func (e *Engine) RegisterHook(h Hook) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, h)
}

func (e *Engine) fireHooks(projectID string, res *models.ExecutionResult) {
	e.hooksMu.RLock()
	hooks := append([]Hook(nil), e.hooks...)
	e.hooksMu.RUnlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().
						Str("project_id", projectID).
						Str("request_id", res.RequestID).
						Interface("panic", r).
						Msg("post-execution hook panicked")
				}
			}()
			h(projectID, res)
		}()
	}
}

// lockProject acquires the per-project advisory lock. Distinct projects
// never contend.
func (e *Engine) lockProject(ctx context.Context, projectID string) (func(), error) {
	v, _ := e.locks.LoadOrStore(projectID, make(chan struct{}, 1))
	ch := v.(chan struct{})
	timer := time.NewTimer(e.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, projectID)
	}
}

// nextSnapshotKind decides checkpoint vs delta for the project's next
// successful commit. The cadence counter is process-local; a restart resets
// it, which only changes spacing. Materialization never depends on it.
func (e *Engine) nextSnapshotKind(projectID string, hasParent bool) bool {
	if !hasParent {
		return true
	}
	v, _ := e.counters.LoadOrStore(projectID, &counter{})
	c := v.(*counter)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n%e.cfg.CheckpointInterval == 0
}
