package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"loom/pkg/state"
)

const (
	snapshotRunLimit   = 50
	snapshotEventLimit = 50
)

// RunRow is one run record shaped for display.
type RunRow struct {
	Started time.Time `json:"started"`
	Repo    string    `json:"repo"`
	Ticket  int       `json:"ticket"`
	Stage   string    `json:"stage"`
	Outcome string    `json:"outcome"`
}

// EventRow is one audit event shaped for display.
type EventRow struct {
	Type   string `json:"type"`
	Repo   string `json:"repo"`
	Ticket int    `json:"ticket"`
	Detail string `json:"detail"`
	At     string `json:"at"`
}

// DaemonHealth reports whether the daemon process behind the PID file
// is alive.
type DaemonHealth struct {
	PID   int    `json:"pid"`
	State string `json:"state"` // running, stopped, stale
}

// DataSource reads dashboard data from the daemon's data directory.
type DataSource struct {
	store   *state.Store
	pidFile string
}

// OpenDataSource opens the state database inside dataDir.
func OpenDataSource(dataDir string) (*DataSource, error) {
	store, err := state.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &DataSource{
		store:   store,
		pidFile: filepath.Join(dataDir, "loom.pid"),
	}, nil
}

// Close releases the underlying database handle.
func (d *DataSource) Close() error {
	return d.store.Close()
}

// FetchRuns returns the most recent runs, newest first.
func (d *DataSource) FetchRuns(limit int) ([]RunRow, error) {
	records, err := d.store.GetRunRecords(context.Background(), state.RunFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	rows := make([]RunRow, 0, len(records))
	for _, r := range records {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "running"
		}
		rows = append(rows, RunRow{
			Started: r.StartedAt,
			Repo:    r.Repo,
			Ticket:  r.Ticket,
			Stage:   r.Stage,
			Outcome: outcome,
		})
	}
	return rows, nil
}

// FetchEvents returns the most recent audit events, newest first.
func (d *DataSource) FetchEvents(limit int) ([]EventRow, error) {
	events, err := d.store.QueryEvents(context.Background(), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	rows := make([]EventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, EventRow{
			Type:   ev.Type,
			Repo:   ev.Repo,
			Ticket: ev.Ticket,
			Detail: ev.Detail,
			At:     ev.CreatedAt,
		})
	}
	return rows, nil
}

// FetchDaemonHealth reads the PID file and checks process liveness.
func (d *DataSource) FetchDaemonHealth() DaemonHealth {
	data, err := os.ReadFile(d.pidFile) //nolint:gosec // PID file path is derived from the data dir
	if err != nil {
		return DaemonHealth{State: "stopped"}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return DaemonHealth{State: "stopped"}
	}
	proc, err := os.FindProcess(pid)
	if err == nil && proc.Signal(syscall.Signal(0)) == nil {
		return DaemonHealth{PID: pid, State: "running"}
	}
	return DaemonHealth{PID: pid, State: "stale"}
}
