package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"warden/pkg/models"
)

// Postgres implements Repository over a pgx pool. Component maps, diffs,
// policies and templates are stored as jsonb; snapshot rows carry a serial
// so "latest" is insertion order, not wall clock.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateProject(ctx context.Context, id, name string) error {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO projects (id, name, archived, created_at) VALUES ($1, $2, FALSE, now())
		 ON CONFLICT (id) DO NOTHING`, id, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: project %s", ErrAlreadyExists, id)
	}
	return nil
}

func (p *Postgres) GetProject(ctx context.Context, id string) (models.Project, error) {
	var out models.Project
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, archived, created_at FROM projects WHERE id = $1`, id).
		Scan(&out.ID, &out.Name, &out.Archived, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return out, err
}

func (p *Postgres) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, archived, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		var pr models.Project
		if err := rows.Scan(&pr.ID, &pr.Name, &pr.Archived, &pr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) ArchiveProject(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE projects SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) PurgeProject(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, stmt := range []string{
		`DELETE FROM schedules WHERE project_id = $1`,
		`DELETE FROM webhooks WHERE project_id = $1`,
		`DELETE FROM session_facts WHERE project_id = $1`,
		`DELETE FROM executions WHERE project_id = $1`,
		`DELETE FROM snapshots WHERE project_id = $1`,
		`DELETE FROM policies WHERE project_id = $1`,
		`DELETE FROM project_members WHERE project_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) AddProjectMember(ctx context.Context, projectID, userID, role string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		projectID, userID, role)
	return err
}

func (p *Postgres) GetProjectMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := p.pool.QueryRow(ctx,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: member %s in %s", ErrNotFound, userID, projectID)
	}
	return role, err
}

func (p *Postgres) PutUser(ctx context.Context, u models.UserProfile) error {
	attrs, err := json.Marshal(u.Attributes)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO users (id, full_name, email, attributes) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET full_name = EXCLUDED.full_name,
		   email = EXCLUDED.email, attributes = EXCLUDED.attributes`,
		u.ID, u.FullName, u.Email, attrs)
	return err
}

func (p *Postgres) GetUser(ctx context.Context, id string) (models.UserProfile, error) {
	var out models.UserProfile
	var attrs []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, full_name, email, attributes FROM users WHERE id = $1`, id).
		Scan(&out.ID, &out.FullName, &out.Email, &attrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserProfile{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return models.UserProfile{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &out.Attributes); err != nil {
			return models.UserProfile{}, err
		}
	}
	return out, nil
}

func (p *Postgres) SetPolicy(ctx context.Context, projectID string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO policies (project_id, doc) VALUES ($1, $2)
		 ON CONFLICT (project_id) DO UPDATE SET doc = EXCLUDED.doc`,
		projectID, raw)
	return err
}

func (p *Postgres) GetPolicy(ctx context.Context, projectID string) (map[string]any, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT doc FROM policies WHERE project_id = $1`, projectID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, projectID string, snap *models.StateSnapshot) error {
	return p.insertSnapshot(ctx, p.pool, projectID, snap)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *Postgres) insertSnapshot(ctx context.Context, q execer, projectID string, snap *models.StateSnapshot) error {
	components := snap.Components
	if !snap.IsCheckpoint {
		components = nil
	}
	comps, err := json.Marshal(components)
	if err != nil {
		return err
	}
	diffs, err := json.Marshal(snap.Diffs)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO snapshots
		   (project_id, snapshot_id, ts, components, checksum, is_checkpoint, parent_id, diffs)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		projectID, snap.SnapshotID, snap.Timestamp, comps, snap.Checksum,
		snap.IsCheckpoint, snap.ParentID, diffs)
	return err
}

func (p *Postgres) GetSnapshot(ctx context.Context, projectID, snapshotID string) (*models.StateSnapshot, error) {
	s, err := p.loadSnapshot(ctx, projectID, snapshotID)
	if err != nil {
		return nil, err
	}
	return materializeSnapshot(s, func(id string) (*models.StateSnapshot, error) {
		return p.loadSnapshot(ctx, projectID, id)
	})
}

func (p *Postgres) GetLatestSnapshot(ctx context.Context, projectID string) (*models.StateSnapshot, error) {
	var id string
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot_id FROM snapshots WHERE project_id = $1 ORDER BY seq DESC LIMIT 1`,
		projectID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshots for %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, err
	}
	return p.GetSnapshot(ctx, projectID, id)
}

func (p *Postgres) loadSnapshot(ctx context.Context, projectID, snapshotID string) (*models.StateSnapshot, error) {
	var (
		s        models.StateSnapshot
		comps    []byte
		diffs    []byte
		parentID *string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot_id, ts, components, checksum, is_checkpoint, parent_id, diffs
		 FROM snapshots WHERE project_id = $1 AND snapshot_id = $2`,
		projectID, snapshotID).
		Scan(&s.SnapshotID, &s.Timestamp, &comps, &s.Checksum, &s.IsCheckpoint, &parentID, &diffs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, snapshotID)
	}
	if err != nil {
		return nil, err
	}
	if parentID != nil {
		s.ParentID = *parentID
	}
	if len(comps) > 0 {
		if err := json.Unmarshal(comps, &s.Components); err != nil {
			return nil, err
		}
	}
	if len(diffs) > 0 {
		if err := json.Unmarshal(diffs, &s.Diffs); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func (p *Postgres) SaveExecution(ctx context.Context, projectID string, res *models.ExecutionResult) error {
	return insertExecution(ctx, p.pool, projectID, res)
}

func (p *Postgres) SaveExecutionAndSnapshot(ctx context.Context, projectID string, res *models.ExecutionResult, snap *models.StateSnapshot) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertExecution(ctx, tx, projectID, res); err != nil {
		return err
	}
	if snap != nil {
		if err := p.insertSnapshot(ctx, tx, projectID, snap); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertExecution(ctx context.Context, q execer, projectID string, res *models.ExecutionResult) error {
	diff, err := json.Marshal(res.StateDiff)
	if err != nil {
		return err
	}
	var execErr []byte
	if res.Error != nil {
		if execErr, err = json.Marshal(res.Error); err != nil {
			return err
		}
	}
	meta, err := json.Marshal(res.Metadata)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO executions
		   (project_id, request_id, user_id, action_id, status, ts, execution_time_ms,
		    cost, message, snapshot_id, state_diff, error, simulated, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		projectID, res.RequestID, res.UserID, res.ActionID, string(res.Status),
		res.Timestamp, res.ExecutionTimeMS, res.Cost, res.Message,
		res.StateSnapshotID, diff, execErr, res.Simulated, meta)
	return err
}

func (p *Postgres) GetExecutionHistory(ctx context.Context, projectID string, limit int) ([]models.ExecutionResult, error) {
	sql := `SELECT request_id, user_id, action_id, status, ts, execution_time_ms,
	          cost, message, snapshot_id, state_diff, error, simulated, metadata
	        FROM executions WHERE project_id = $1 ORDER BY seq`
	args := []any{projectID}
	if limit > 0 {
		// take the newest rows, then restore oldest-first order
		sql = `SELECT * FROM (
		         SELECT request_id, user_id, action_id, status, ts, execution_time_ms,
		                cost, message, snapshot_id, state_diff, error, simulated, metadata, seq
		         FROM executions WHERE project_id = $1 ORDER BY seq DESC LIMIT $2
		       ) t ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ExecutionResult
	for rows.Next() {
		var (
			res     models.ExecutionResult
			status  string
			diff    []byte
			errRaw  []byte
			meta    []byte
			scanSeq int64
		)
		dest := []any{&res.RequestID, &res.UserID, &res.ActionID, &status, &res.Timestamp,
			&res.ExecutionTimeMS, &res.Cost, &res.Message, &res.StateSnapshotID,
			&diff, &errRaw, &res.Simulated, &meta}
		if limit > 0 {
			dest = append(dest, &scanSeq)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		res.Status = models.ExecutionStatus(status)
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &res.StateDiff); err != nil {
				return nil, err
			}
		}
		if len(errRaw) > 0 {
			res.Error = &models.ExecutionError{}
			if err := json.Unmarshal(errRaw, res.Error); err != nil {
				return nil, err
			}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &res.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (p *Postgres) CountRecentExecutions(ctx context.Context, projectID string, window time.Duration) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM executions
		 WHERE project_id = $1 AND status = 'success' AND ts >= $2`,
		projectID, time.Now().UTC().Add(-window)).Scan(&n)
	return n, err
}

func (p *Postgres) DailyBudgetUsage(ctx context.Context, projectID string, now time.Time) (float64, error) {
	var total float64
	err := p.pool.QueryRow(ctx,
		`SELECT coalesce(sum(cost), 0) FROM executions
		 WHERE project_id = $1 AND status = 'success' AND ts >= $2`,
		projectID, now.UTC().Truncate(24*time.Hour)).Scan(&total)
	return total, err
}

func (p *Postgres) SaveSessionFact(ctx context.Context, projectID, userID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO session_facts (project_id, user_id, key, value) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_id, user_id, key) DO UPDATE SET value = EXCLUDED.value`,
		projectID, userID, key, raw)
	return err
}

func (p *Postgres) DeleteSessionFact(ctx context.Context, projectID, userID, key string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM session_facts WHERE project_id = $1 AND user_id = $2 AND key = $3`,
		projectID, userID, key)
	return err
}

func (p *Postgres) ListSessionFacts(ctx context.Context, projectID, userID string) (map[string]any, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM session_facts WHERE project_id = $1 AND user_id = $2`,
		projectID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]any{}
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, rows.Err()
}

func (p *Postgres) PutWebhook(ctx context.Context, w models.Webhook) error {
	tmpl, err := json.Marshal(w.InputsTemplate)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO webhooks (id, project_id, action_id, secret, enabled, inputs_template)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET project_id = EXCLUDED.project_id,
		   action_id = EXCLUDED.action_id, secret = EXCLUDED.secret,
		   enabled = EXCLUDED.enabled, inputs_template = EXCLUDED.inputs_template`,
		w.ID, w.ProjectID, w.ActionID, w.Secret, w.Enabled, tmpl)
	return err
}

func (p *Postgres) GetWebhook(ctx context.Context, id string) (models.Webhook, error) {
	var (
		w    models.Webhook
		tmpl []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, project_id, action_id, secret, enabled, inputs_template
		 FROM webhooks WHERE id = $1`, id).
		Scan(&w.ID, &w.ProjectID, &w.ActionID, &w.Secret, &w.Enabled, &tmpl)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Webhook{}, fmt.Errorf("%w: webhook %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Webhook{}, err
	}
	if len(tmpl) > 0 {
		if err := json.Unmarshal(tmpl, &w.InputsTemplate); err != nil {
			return models.Webhook{}, err
		}
	}
	return w, nil
}

func (p *Postgres) ListWebhooks(ctx context.Context, projectID string) ([]models.Webhook, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id FROM webhooks WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Webhook, 0, len(ids))
	for _, id := range ids {
		w, err := p.GetWebhook(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (p *Postgres) DeleteWebhook(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	return err
}

func (p *Postgres) PutSchedule(ctx context.Context, s models.Schedule) error {
	inputs, err := json.Marshal(s.Inputs)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO schedules (id, project_id, action_id, inputs, every_seconds, next_run, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET project_id = EXCLUDED.project_id,
		   action_id = EXCLUDED.action_id, inputs = EXCLUDED.inputs,
		   every_seconds = EXCLUDED.every_seconds, next_run = EXCLUDED.next_run,
		   enabled = EXCLUDED.enabled`,
		s.ID, s.ProjectID, s.ActionID, inputs, int64(s.Every/time.Second), s.NextRun, s.Enabled)
	return err
}

func (p *Postgres) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, project_id, action_id, inputs, every_seconds, next_run, enabled
		 FROM schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	return s, err
}

func (p *Postgres) ListSchedules(ctx context.Context, projectID string) ([]models.Schedule, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, project_id, action_id, inputs, every_seconds, next_run, enabled
		 FROM schedules WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSchedule(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return err
}

func (p *Postgres) ClaimDueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	rows, err := tx.Query(ctx,
		`SELECT id, project_id, action_id, inputs, every_seconds, next_run, enabled
		 FROM schedules WHERE enabled AND next_run <= $1
		 ORDER BY id FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, err
	}
	var due []models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range due {
		next := due[i]
		advanceNextRun(&next, now)
		if _, err := tx.Exec(ctx,
			`UPDATE schedules SET next_run = $2 WHERE id = $1`, next.ID, next.NextRun); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return due, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (models.Schedule, error) {
	var (
		s       models.Schedule
		inputs  []byte
		seconds int64
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.ActionID, &inputs, &seconds, &s.NextRun, &s.Enabled); err != nil {
		return models.Schedule{}, err
	}
	s.Every = time.Duration(seconds) * time.Second
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &s.Inputs); err != nil {
			return models.Schedule{}, err
		}
	}
	return s, nil
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
