package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/pkg/state"
)

func runsTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPrintRuns(t *testing.T) {
	ctx := context.Background()
	store := runsTestStore(t)
	started := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	records := []state.RunRecord{
		{ID: "run-1", Repo: "acme/widgets", Ticket: 12, Stage: "research", StartedAt: started},
		{ID: "run-2", Repo: "acme/widgets", Ticket: 13, Stage: "implement", StartedAt: started.Add(time.Hour)},
		{ID: "run-3", Repo: "acme/gizmos", Ticket: 4, Stage: "plan", StartedAt: started.Add(2 * time.Hour)},
	}
	for _, rec := range records {
		if err := store.InsertRunRecord(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", rec.ID, err)
		}
	}
	if err := store.CompleteRunRecord(ctx, "run-1", state.OutcomeSuccess, "sess-1", started.Add(10*time.Minute)); err != nil {
		t.Fatalf("complete run-1: %v", err)
	}

	t.Run("lists all runs with header", func(t *testing.T) {
		var out bytes.Buffer
		if err := printRuns(ctx, &out, store, runsConfig{limit: 10}); err != nil {
			t.Fatalf("printRuns failed: %v", err)
		}
		got := out.String()
		if !strings.Contains(got, "STARTED") || !strings.Contains(got, "OUTCOME") {
			t.Errorf("missing header: %q", got)
		}
		if !strings.Contains(got, "acme/widgets") || !strings.Contains(got, "#12") {
			t.Errorf("missing run row: %q", got)
		}
		if !strings.Contains(got, "success") {
			t.Errorf("missing completed outcome: %q", got)
		}
		if !strings.Contains(got, "running") {
			t.Errorf("in-flight run not marked running: %q", got)
		}
	})

	t.Run("repo filter narrows output", func(t *testing.T) {
		var out bytes.Buffer
		if err := printRuns(ctx, &out, store, runsConfig{repo: "acme/gizmos", limit: 10}); err != nil {
			t.Fatalf("printRuns failed: %v", err)
		}
		got := out.String()
		if strings.Contains(got, "acme/widgets") {
			t.Errorf("filter leaked other repo: %q", got)
		}
		if !strings.Contains(got, "acme/gizmos") {
			t.Errorf("filtered repo missing: %q", got)
		}
	})

	t.Run("empty store prints placeholder", func(t *testing.T) {
		empty := runsTestStore(t)
		var out bytes.Buffer
		if err := printRuns(ctx, &out, empty, runsConfig{limit: 10}); err != nil {
			t.Fatalf("printRuns failed: %v", err)
		}
		if !strings.Contains(out.String(), "no runs recorded") {
			t.Errorf("output = %q", out.String())
		}
	})
}

func TestOutcomeAndDurationLabels(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)

	done := state.RunRecord{StartedAt: started, CompletedAt: started.Add(time.Minute), Outcome: state.OutcomeFailed}
	if got := outcomeLabel(done); got != state.OutcomeFailed {
		t.Errorf("outcomeLabel = %q", got)
	}
	if got := durationLabel(done); got != "1m0s" {
		t.Errorf("durationLabel = %q, want 1m0s", got)
	}

	inflight := state.RunRecord{StartedAt: started}
	if got := outcomeLabel(inflight); got != "running" {
		t.Errorf("outcomeLabel for in-flight = %q", got)
	}
}
