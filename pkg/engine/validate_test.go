package engine //nolint:testpackage // white-box tests for the validation sub-loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/board"
	"loom/pkg/config"
)

func policyStoreFrom(t *testing.T, yaml string) *config.PolicyStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "validation.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	store := config.NewPolicyStore()
	if err := store.LoadFile(path); err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return store
}

func completedRuns(failed ...string) []board.CheckRun {
	runs := []board.CheckRun{{Name: "build", Completed: true}}
	for _, name := range failed {
		runs = append(runs, board.CheckRun{Name: name, Completed: true, Failed: true})
	}
	return runs
}

func TestValidate_DisabledMarksReadyImmediately(t *testing.T) {
	b := &mockBoard{}
	w := testWorkflow(t, b, &mockAgent{}, &mockWorkspace{}, nil)
	w.policies = policyStoreFrom(t, `
default:
  enabled: false
  max_fix_attempts: 3
  timeout: 30m
`)

	cs := &board.ChangeSet{Number: 55, Head: "abc123"}
	if err := w.validateChangeSet(context.Background(), openItem(StatusImplement), "/tmp/ws", cs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.callsMatching("GetCheckRuns"); len(got) != 0 {
		t.Fatal("disabled policy must not poll checks")
	}
	if got := b.callsMatching("MarkReadyForReview"); len(got) != 1 {
		t.Fatalf("mark ready calls: %v", got)
	}
}

func TestValidate_PassingChecksNeedNoFix(t *testing.T) {
	b := &mockBoard{
		checkRunsFunc: func(string) ([]board.CheckRun, error) { return completedRuns(), nil },
	}
	a := &mockAgent{}
	w := testWorkflow(t, b, a, &mockWorkspace{}, nil)

	cs := &board.ChangeSet{Number: 55, Head: "abc123"}
	if err := w.validateChangeSet(context.Background(), openItem(StatusImplement), "/tmp/ws", cs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := a.runCount(); got != 0 {
		t.Fatalf("no fix rounds expected, got %d", got)
	}
	if got := b.callsMatching("MarkReadyForReview"); len(got) != 1 {
		t.Fatalf("mark ready calls: %v", got)
	}
}

func TestValidate_SameFailuresTwiceStops(t *testing.T) {
	b := &mockBoard{
		checkRunsFunc: func(string) ([]board.CheckRun, error) {
			return completedRuns("lint"), nil
		},
	}
	b.changeSetFunc = func() (*board.ChangeSet, error) {
		return &board.ChangeSet{Number: 55, Head: "def456"}, nil
	}
	a := &mockAgent{}
	w := testWorkflow(t, b, a, &mockWorkspace{}, nil)

	cs := &board.ChangeSet{Number: 55, Head: "abc123"}
	if err := w.validateChangeSet(context.Background(), openItem(StatusImplement), "/tmp/ws", cs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// One fix attempt; the second round sees the identical failing set and
	// stops instead of burning the remaining budget.
	if got := a.runCount(); got != 1 {
		t.Fatalf("fix rounds: got %d, want 1", got)
	}
	if got := b.callsMatching("MarkReadyForReview"); len(got) != 1 {
		t.Fatal("change-set must still reach review")
	}
}

func TestValidate_FixRoundClearsFailures(t *testing.T) {
	polls := 0
	b := &mockBoard{
		checkRunsFunc: func(string) ([]board.CheckRun, error) {
			polls++
			if polls == 1 {
				return completedRuns("test"), nil
			}
			return completedRuns(), nil
		},
	}
	b.changeSetFunc = func() (*board.ChangeSet, error) {
		return &board.ChangeSet{Number: 55, Head: "def456"}, nil
	}
	a := &mockAgent{}
	w := testWorkflow(t, b, a, &mockWorkspace{}, nil)

	cs := &board.ChangeSet{Number: 55, Head: "abc123"}
	if err := w.validateChangeSet(context.Background(), openItem(StatusImplement), "/tmp/ws", cs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := a.runCount(); got != 1 {
		t.Fatalf("fix rounds: got %d, want 1", got)
	}
	if cs.Head != "def456" {
		t.Fatalf("change-set should be refreshed after the fix, head=%s", cs.Head)
	}
}

func TestAwaitChecks_ProgressCommentsAndTimeout(t *testing.T) {
	b := &mockBoard{
		checkRunsFunc: func(string) ([]board.CheckRun, error) {
			return []board.CheckRun{{Name: "build", Completed: false}}, nil
		},
	}
	w := testWorkflow(t, b, &mockAgent{}, &mockWorkspace{}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.nowFunc = func() time.Time {
		now = now.Add(2 * time.Minute)
		return now
	}

	cs := &board.ChangeSet{Number: 55, Head: "abc123"}
	_, err := w.awaitChecks(context.Background(), openItem(StatusImplement), cs, 10*time.Minute)
	if err == nil {
		t.Fatal("incomplete checks past the timeout must error")
	}
	comments := b.callsMatching("CommentOnChangeSet")
	if len(comments) != 2 {
		t.Fatalf("progress comments: got %v, want the 3- and 5-minute notes", comments)
	}
}
