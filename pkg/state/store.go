package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// Run outcomes. NULL in the database while the run is still in flight.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeStalled = "stalled"
)

// RunRecord is one persisted stage execution.
type RunRecord struct {
	ID          string
	Repo        string // owner/name
	Ticket      int
	Stage       string
	StartedAt   time.Time
	CompletedAt time.Time // zero while running
	Outcome     string    // "" while running
	SessionID   string
	LogPath     string
}

// IssueState is the per-ticket bookkeeping row.
type IssueState struct {
	Repo             string
	Ticket           int
	StageSessions    map[string]string // stage name -> agent session id
	LastCommentCount int
}

// Event is a row in the audit log.
type Event struct {
	ID        int64
	Type      string
	Repo      string
	Ticket    int
	Detail    string
	CreatedAt string
}

// Store wraps the state database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at path and applies the
// schema. It enforces WAL journal mode and a 5-second busy timeout.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339

// InsertRunRecord creates the record for a run that just started.
func (s *Store) InsertRunRecord(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records (id, repo, ticket, stage, started_at, session_id, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Repo, rec.Ticket, rec.Stage,
		rec.StartedAt.UTC().Format(timeLayout), rec.SessionID, rec.LogPath)
	if err != nil {
		return fmt.Errorf("insert run record %s: %w", rec.ID, err)
	}
	return nil
}

// CompleteRunRecord finishes a run exactly once with its outcome and
// (possibly empty) session id.
func (s *Store) CompleteRunRecord(ctx context.Context, id, outcome, sessionID string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_records SET completed_at = ?, outcome = ?, session_id = ?
		 WHERE id = ? AND completed_at IS NULL`,
		completedAt.UTC().Format(timeLayout), outcome, sessionID, id)
	if err != nil {
		return fmt.Errorf("complete run record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run record %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("run record %s already completed or missing", id)
	}
	return nil
}

// RunFilter narrows GetRunRecords output. Zero values mean "no filter".
type RunFilter struct {
	Repo  string
	Stage string
	Since time.Time
	Limit int
}

// GetRunRecords returns run records newest-first, narrowed by filter.
func (s *Store) GetRunRecords(ctx context.Context, f RunFilter) ([]RunRecord, error) {
	query := `SELECT id, repo, ticket, stage, started_at,
	                 COALESCE(completed_at, ''), COALESCE(outcome, ''),
	                 COALESCE(session_id, ''), COALESCE(log_path, '')
	          FROM run_records WHERE 1=1`
	var args []any
	if f.Repo != "" {
		query += " AND repo = ?"
		args = append(args, f.Repo)
	}
	if f.Stage != "" {
		query += " AND stage = ?"
		args = append(args, f.Stage)
	}
	if !f.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, completed string
		if err := rows.Scan(&rec.ID, &rec.Repo, &rec.Ticket, &rec.Stage,
			&started, &completed, &rec.Outcome, &rec.SessionID, &rec.LogPath); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		rec.StartedAt, _ = time.Parse(timeLayout, started)
		if completed != "" {
			rec.CompletedAt, _ = time.Parse(timeLayout, completed)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run records: %w", err)
	}
	return recs, nil
}

// GetIssueState returns the bookkeeping row for a ticket, or a zero-valued
// state when none exists yet.
func (s *Store) GetIssueState(ctx context.Context, repo string, ticket int) (*IssueState, error) {
	st := &IssueState{Repo: repo, Ticket: ticket, StageSessions: map[string]string{}}

	var sessions string
	err := s.db.QueryRowContext(ctx,
		`SELECT stage_sessions, last_comment_count FROM issue_state WHERE repo = ? AND ticket = ?`,
		repo, ticket).Scan(&sessions, &st.LastCommentCount)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue state %s#%d: %w", repo, ticket, err)
	}
	if err := json.Unmarshal([]byte(sessions), &st.StageSessions); err != nil {
		return nil, fmt.Errorf("parse stage sessions %s#%d: %w", repo, ticket, err)
	}
	return st, nil
}

// UpdateIssueState upserts the bookkeeping row for a ticket.
func (s *Store) UpdateIssueState(ctx context.Context, st *IssueState) error {
	sessions, err := json.Marshal(st.StageSessions)
	if err != nil {
		return fmt.Errorf("marshal stage sessions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issue_state (repo, ticket, stage_sessions, last_comment_count, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (repo, ticket) DO UPDATE SET
		   stage_sessions = excluded.stage_sessions,
		   last_comment_count = excluded.last_comment_count,
		   updated_at = excluded.updated_at`,
		st.Repo, st.Ticket, string(sessions), st.LastCommentCount)
	if err != nil {
		return fmt.Errorf("update issue state %s#%d: %w", st.Repo, st.Ticket, err)
	}
	return nil
}

// LogEvent appends one row to the audit log.
func (s *Store) LogEvent(ctx context.Context, evType, repo string, ticket int, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, repo, ticket, detail) VALUES (?, ?, ?, ?)`,
		evType, repo, ticket, detail)
	if err != nil {
		return fmt.Errorf("log event %s: %w", evType, err)
	}
	return nil
}

// QueryEvents returns the most recent limit audit events, newest-first.
func (s *Store) QueryEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, COALESCE(repo, ''), COALESCE(ticket, 0), COALESCE(detail, ''), created_at
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Repo, &ev.Ticket, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
