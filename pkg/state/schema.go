// Package state persists daemon bookkeeping in SQLite: run records for
// every stage execution, per-issue session/comment state, and an append-only
// event audit log.
package state

// SchemaDDL defines the SQLite schema for the loom state database.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- One row per stage execution, created at dispatch, completed exactly once.
CREATE TABLE IF NOT EXISTS run_records (
    id TEXT PRIMARY KEY,
    repo TEXT NOT NULL,
    ticket INTEGER NOT NULL,
    stage TEXT NOT NULL,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    outcome TEXT,
    session_id TEXT,
    log_path TEXT
);

CREATE INDEX IF NOT EXISTS run_records_repo_ticket
    ON run_records (repo, ticket, started_at);

-- Per-issue bookkeeping: agent session ids per stage (for conversation
-- resumption) and the comment count seen at the last reconciliation.
CREATE TABLE IF NOT EXISTS issue_state (
    repo TEXT NOT NULL,
    ticket INTEGER NOT NULL,
    stage_sessions TEXT NOT NULL DEFAULT '{}',
    last_comment_count INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (repo, ticket)
);

-- Append-only audit log of scheduler decisions.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    repo TEXT,
    ticket INTEGER,
    detail TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
