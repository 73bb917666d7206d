package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/pkg/models"
)

// Memory is a mutex-guarded in-process Repository. It deep-copies snapshots
// on both write and read so callers can never alias stored state.
type Memory struct {
	mu         sync.RWMutex
	projects   map[string]models.Project
	members    map[string]map[string]string
	users      map[string]models.UserProfile
	policies   map[string]map[string]any
	snapshots  map[string]map[string]*models.StateSnapshot
	latest     map[string]string
	executions map[string][]models.ExecutionResult
	facts      map[string]map[string]any
	webhooks   map[string]models.Webhook
	schedules  map[string]models.Schedule
}

func NewMemory() *Memory {
	return &Memory{
		projects:   map[string]models.Project{},
		members:    map[string]map[string]string{},
		users:      map[string]models.UserProfile{},
		policies:   map[string]map[string]any{},
		snapshots:  map[string]map[string]*models.StateSnapshot{},
		latest:     map[string]string{},
		executions: map[string][]models.ExecutionResult{},
		facts:      map[string]map[string]any{},
		webhooks:   map[string]models.Webhook{},
		schedules:  map[string]models.Schedule{},
	}
}

func (m *Memory) CreateProject(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; ok {
		return fmt.Errorf("%w: project %s", ErrAlreadyExists, id)
	}
	m.projects[id] = models.Project{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return models.Project{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return p, nil
}

func (m *Memory) ListProjects(_ context.Context) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ArchiveProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	p.Archived = true
	m.projects[id] = p
	return nil
}

func (m *Memory) PurgeProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	delete(m.projects, id)
	delete(m.members, id)
	delete(m.policies, id)
	delete(m.snapshots, id)
	delete(m.latest, id)
	delete(m.executions, id)
	for key := range m.facts {
		if projectOfFactKey(key) == id {
			delete(m.facts, key)
		}
	}
	for wid, w := range m.webhooks {
		if w.ProjectID == id {
			delete(m.webhooks, wid)
		}
	}
	for sid, s := range m.schedules {
		if s.ProjectID == id {
			delete(m.schedules, sid)
		}
	}
	return nil
}

func (m *Memory) AddProjectMember(_ context.Context, projectID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	if m.members[projectID] == nil {
		m.members[projectID] = map[string]string{}
	}
	m.members[projectID][userID] = role
	return nil
}

func (m *Memory) GetProjectMemberRole(_ context.Context, projectID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.members[projectID][userID]
	if !ok {
		return "", fmt.Errorf("%w: member %s in %s", ErrNotFound, userID, projectID)
	}
	return role, nil
}

func (m *Memory) PutUser(_ context.Context, u models.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.UserProfile{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, nil
}

func (m *Memory) SetPolicy(_ context.Context, projectID string, doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	m.policies[projectID] = doc
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, projectID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policies[projectID], nil
}

func (m *Memory) SaveSnapshot(_ context.Context, projectID string, snap *models.StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveSnapshotLocked(projectID, snap)
	return nil
}

func (m *Memory) saveSnapshotLocked(projectID string, snap *models.StateSnapshot) {
	if m.snapshots[projectID] == nil {
		m.snapshots[projectID] = map[string]*models.StateSnapshot{}
	}
	stored := *snap
	stored.Components = models.CloneComponentMap(snap.Components)
	stored.Diffs = append([]models.StateDiffEntry(nil), snap.Diffs...)
	if !stored.IsCheckpoint {
		// deltas persist only their diff payload
		stored.Components = nil
	}
	m.snapshots[projectID][snap.SnapshotID] = &stored
	m.latest[projectID] = snap.SnapshotID
}

func (m *Memory) GetSnapshot(_ context.Context, projectID, snapshotID string) (*models.StateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.materializeLocked(projectID, snapshotID)
}

func (m *Memory) GetLatestSnapshot(_ context.Context, projectID string) (*models.StateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.latest[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: no snapshots for %s", ErrNotFound, projectID)
	}
	return m.materializeLocked(projectID, id)
}

func (m *Memory) materializeLocked(projectID, snapshotID string) (*models.StateSnapshot, error) {
	s, ok := m.snapshots[projectID][snapshotID]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, snapshotID)
	}
	return materializeSnapshot(s, func(id string) (*models.StateSnapshot, error) {
		p, ok := m.snapshots[projectID][id]
		if !ok {
			return nil, ErrNotFound
		}
		return p, nil
	})
}

func (m *Memory) SaveExecution(_ context.Context, projectID string, res *models.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[projectID] = append(m.executions[projectID], *res)
	return nil
}

func (m *Memory) SaveExecutionAndSnapshot(_ context.Context, projectID string, res *models.ExecutionResult, snap *models.StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[projectID] = append(m.executions[projectID], *res)
	if snap != nil {
		m.saveSnapshotLocked(projectID, snap)
	}
	return nil
}

func (m *Memory) GetExecutionHistory(_ context.Context, projectID string, limit int) ([]models.ExecutionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.executions[projectID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]models.ExecutionResult(nil), all...), nil
}

func (m *Memory) CountRecentExecutions(_ context.Context, projectID string, window time.Duration) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-window)
	n := 0
	for _, res := range m.executions[projectID] {
		if res.Status == models.StatusSuccess && !res.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DailyBudgetUsage(_ context.Context, projectID string, now time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	midnight := now.UTC().Truncate(24 * time.Hour)
	total := 0.0
	for _, res := range m.executions[projectID] {
		if res.Status == models.StatusSuccess && !res.Timestamp.Before(midnight) {
			total += res.Cost
		}
	}
	return total, nil
}

func factKey(projectID, userID string) string { return projectID + "\x00" + userID }

func projectOfFactKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}

func (m *Memory) SaveSessionFact(_ context.Context, projectID, userID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := factKey(projectID, userID)
	if m.facts[k] == nil {
		m.facts[k] = map[string]any{}
	}
	m.facts[k][key] = value
	return nil
}

func (m *Memory) DeleteSessionFact(_ context.Context, projectID, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facts[factKey(projectID, userID)], key)
	return nil
}

func (m *Memory) ListSessionFacts(_ context.Context, projectID, userID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]any{}
	for k, v := range m.facts[factKey(projectID, userID)] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) PutWebhook(_ context.Context, w models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.ID] = w
	return nil
}

func (m *Memory) GetWebhook(_ context.Context, id string) (models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[id]
	if !ok {
		return models.Webhook{}, fmt.Errorf("%w: webhook %s", ErrNotFound, id)
	}
	return w, nil
}

func (m *Memory) ListWebhooks(_ context.Context, projectID string) ([]models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Webhook
	for _, w := range m.webhooks {
		if w.ProjectID == projectID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
	return nil
}

func (m *Memory) PutSchedule(_ context.Context, s models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return models.Schedule{}, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Memory) ListSchedules(_ context.Context, projectID string) ([]models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Schedule
	for _, s := range m.schedules {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *Memory) ClaimDueSchedules(_ context.Context, now time.Time) ([]models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Schedule
	for id, s := range m.schedules {
		if !s.Enabled || s.NextRun.After(now) {
			continue
		}
		due = append(due, s)
		advanceNextRun(&s, now)
		m.schedules[id] = s
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (m *Memory) Health(context.Context) error { return nil }
