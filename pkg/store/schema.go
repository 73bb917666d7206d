package store

// Schema is the full DDL for the Postgres repository. Statements are
// idempotent so the migrator can re-run on every boot.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    archived   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS project_members (
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL,
    role       TEXT NOT NULL,
    PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    full_name  TEXT NOT NULL DEFAULT '',
    email      TEXT NOT NULL DEFAULT '',
    attributes JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS policies (
    project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
    doc        JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS snapshots (
    seq           BIGSERIAL,
    project_id    TEXT NOT NULL,
    snapshot_id   TEXT NOT NULL,
    ts            TIMESTAMPTZ NOT NULL,
    components    JSONB,
    checksum      TEXT NOT NULL DEFAULT '',
    is_checkpoint BOOLEAN NOT NULL DEFAULT TRUE,
    parent_id     TEXT,
    diffs         JSONB,
    PRIMARY KEY (project_id, snapshot_id)
);
CREATE INDEX IF NOT EXISTS snapshots_project_seq ON snapshots (project_id, seq DESC);

CREATE TABLE IF NOT EXISTS executions (
    seq               BIGSERIAL PRIMARY KEY,
    project_id        TEXT NOT NULL,
    request_id        TEXT NOT NULL,
    user_id           TEXT NOT NULL DEFAULT '',
    action_id         TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    ts                TIMESTAMPTZ NOT NULL,
    execution_time_ms BIGINT NOT NULL DEFAULT 0,
    cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
    message           TEXT NOT NULL DEFAULT '',
    snapshot_id       TEXT NOT NULL DEFAULT '',
    state_diff        JSONB,
    error             JSONB,
    simulated         BOOLEAN NOT NULL DEFAULT FALSE,
    metadata          JSONB
);
CREATE INDEX IF NOT EXISTS executions_project_seq ON executions (project_id, seq);
CREATE INDEX IF NOT EXISTS executions_project_status_ts ON executions (project_id, status, ts);

CREATE TABLE IF NOT EXISTS session_facts (
    project_id TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      JSONB,
    PRIMARY KEY (project_id, user_id, key)
);

CREATE TABLE IF NOT EXISTS webhooks (
    id              TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL,
    action_id       TEXT NOT NULL,
    secret          TEXT NOT NULL,
    enabled         BOOLEAN NOT NULL DEFAULT TRUE,
    inputs_template JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS webhooks_project ON webhooks (project_id);

CREATE TABLE IF NOT EXISTS schedules (
    id            TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL,
    action_id     TEXT NOT NULL,
    inputs        JSONB NOT NULL DEFAULT '{}'::jsonb,
    every_seconds BIGINT NOT NULL DEFAULT 0,
    next_run      TIMESTAMPTZ NOT NULL,
    enabled       BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS schedules_due ON schedules (enabled, next_run);
`
