package engine //nolint:testpackage // white-box tests for the poll loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"loom/pkg/board"
	"loom/pkg/config"
)

func testScheduler(t *testing.T, b *mockBoard, a *mockAgent, ws *mockWorkspace, cfg *config.Config) *Scheduler {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	st := testStore(t)
	locks := NewLockRegistry()
	markers := NewMarkerRegistry()
	w := NewWorkflow(b, a, ws, st, nil, cfg, config.NewPolicyStore(), locks, markers, slog.Default())
	w.sleepFunc = noSleep
	y := NewYOLOController(b, cfg, nil, nil)
	h := NewHibernationController(b, nil, nil)
	s := NewScheduler(b, w, y, h, ws, st, cfg, locks, markers, nil, slog.Default())
	s.sleepFunc = noSleep
	return s
}

func TestBackoffDelay_Sequence(t *testing.T) {
	base := 2 * time.Second
	limit := 300 * time.Second
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 128 * time.Second, 256 * time.Second,
		300 * time.Second, 300 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(base, limit, i+1); got != w {
			t.Fatalf("failure %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestParseKey(t *testing.T) {
	repo, number, ok := parseKey("acme/widgets#12")
	if !ok || repo.Owner != "acme" || repo.Name != "widgets" || number != 12 {
		t.Fatalf("got %+v %d %v", repo, number, ok)
	}
	for _, bad := range []string{"", "acme/widgets", "acme#12", "acme/widgets#x"} {
		if _, _, ok := parseKey(bad); ok {
			t.Fatalf("parseKey(%q) should fail", bad)
		}
	}
}

func TestDistinctHosts(t *testing.T) {
	hosts := distinctHosts([]string{
		"https://github.com/orgs/acme/projects/7",
		"https://github.com/orgs/acme/projects/9",
		"https://ghe.internal/orgs/platform/projects/1",
	})
	if len(hosts) != 2 || hosts[0] != "github.com" || hosts[1] != "ghe.internal" {
		t.Fatalf("got %v", hosts)
	}
}

func TestStripGeneratedSections(t *testing.T) {
	body := "Original report.\n\n## Research\nfindings\n\n## Plan\n- [ ] task"
	got := stripGeneratedSections(body, "## Research")
	if got != "Original report." {
		t.Fatalf("got %q", got)
	}

	planOnly := "Report.\n\n## Plan\n- [ ] task"
	if got := stripGeneratedSections(planOnly, "## Research"); got != "Report." {
		t.Fatalf("got %q", got)
	}

	untouched := "Report without sections."
	if got := stripGeneratedSections(untouched, "## Research"); got != untouched {
		t.Fatalf("got %q", got)
	}
}

func TestCycle_ReconciliationPasses(t *testing.T) {
	closedUncleaned := openItem(StatusDone)
	closedUncleaned.Open = false
	closedUncleaned.CloseReason = board.CloseReasonCompleted
	closedUncleaned.Number = 1

	closedNotPlanned := openItem(StatusResearch)
	closedNotPlanned.Open = false
	closedNotPlanned.CloseReason = "not_planned"
	closedNotPlanned.Number = 2

	mergedCompleted := openItem(StatusImplement)
	mergedCompleted.Open = false
	mergedCompleted.CloseReason = board.CloseReasonCompleted
	mergedCompleted.Merged = true
	mergedCompleted.Number = 3

	untouched := openItem(board.StatusUnknown)
	untouched.Number = 4

	b := &mockBoard{
		fetchFunc: func(string) ([]board.WorkItem, error) {
			return []board.WorkItem{closedUncleaned, closedNotPlanned, mergedCompleted, untouched}, nil
		},
	}
	ws := &mockWorkspace{}
	s := testScheduler(t, b, &mockAgent{}, ws, nil)

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.wg.Wait()

	// Closed items get their workspaces retracted and the cleaned tag.
	if len(ws.cleaned) != 3 {
		t.Fatalf("cleanups: got %v", ws.cleaned)
	}
	if got := b.callsMatching("AddLabel " + LabelCleaned); len(got) != 3 {
		t.Fatalf("cleaned tags: got %d", len(got))
	}
	// Only the not_planned close is archived.
	if got := b.callsMatching("ArchiveItem"); len(got) != 1 || got[0] != "ArchiveItem acme/widgets#2" {
		t.Fatalf("archives: got %v", got)
	}
	// The merged+completed item is promoted to Done.
	if got := b.callsMatching("UpdateStatus acme/widgets#3"); len(got) != 1 ||
		got[0] != "UpdateStatus acme/widgets#3 -> "+StatusDone {
		t.Fatalf("promotions: got %v", got)
	}
	// The untouched open item defaults to Backlog.
	if got := b.callsMatching("UpdateStatus acme/widgets#4"); len(got) != 1 ||
		got[0] != "UpdateStatus acme/widgets#4 -> "+StatusBacklog {
		t.Fatalf("backlog default: got %v", got)
	}
}

func TestCycle_YOLOBootstrapRevalidatesLive(t *testing.T) {
	item := openItem(StatusBacklog, LabelYOLO)
	b := &mockBoard{
		fetchFunc: func(string) ([]board.WorkItem, error) {
			return []board.WorkItem{item}, nil
		},
		labelsFunc: func(board.Repo, int) ([]string, error) {
			return nil, nil // label removed since the poll
		},
	}
	s := testScheduler(t, b, &mockAgent{}, &mockWorkspace{}, nil)

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.wg.Wait()
	if got := b.callsMatching("UpdateStatus"); len(got) != 0 {
		t.Fatalf("stale bootstrap must not move status: %v", got)
	}

	b.labelsFunc = func(board.Repo, int) ([]string, error) {
		return []string{LabelYOLO}, nil
	}
	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.wg.Wait()
	want := "UpdateStatus acme/widgets#12 -> " + StatusResearch
	if got := b.callsMatching("UpdateStatus"); len(got) != 1 || got[0] != want {
		t.Fatalf("got %v, want [%s]", got, want)
	}
}

func TestCycle_ResetReturnsToBacklog(t *testing.T) {
	item := openItem(StatusImplement, LabelReset, LabelPlanDone, "external-label")
	b := &mockBoard{
		fetchFunc: func(string) ([]board.WorkItem, error) {
			return []board.WorkItem{item}, nil
		},
		bodyFunc: func() (string, error) {
			return "Report.\n\n## Research\nold findings", nil
		},
	}
	s := testScheduler(t, b, &mockAgent{}, &mockWorkspace{}, nil)

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.wg.Wait()

	if got := b.callsMatching("RemoveLabel " + LabelReset); len(got) != 1 {
		t.Fatal("reset label should be removed")
	}
	if got := b.callsMatching("RemoveLabel " + LabelPlanDone); len(got) != 1 {
		t.Fatal("pipeline labels should be removed")
	}
	if got := b.callsMatching("RemoveLabel external-label"); len(got) != 0 {
		t.Fatal("labels outside the pipeline namespace must be left alone")
	}
	if got := b.callsMatching("UpdateItemBody"); len(got) != 1 {
		t.Fatal("generated body sections should be stripped")
	}
	want := "UpdateStatus acme/widgets#12 -> " + StatusBacklog
	if got := b.callsMatching("UpdateStatus"); len(got) != 1 || got[0] != want {
		t.Fatalf("got %v, want [%s]", got, want)
	}
}

func TestCycle_DispatchesTriggeredStage(t *testing.T) {
	item := openItem(StatusResearch)
	b := &mockBoard{
		fetchFunc: func(string) ([]board.WorkItem, error) {
			return []board.WorkItem{item}, nil
		},
		bodyFunc: func() (string, error) {
			return "Report.\n\n## Research\nfindings", nil
		},
	}
	a := &mockAgent{}
	s := testScheduler(t, b, a, &mockWorkspace{}, nil)

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.wg.Wait()

	if got := a.runCount(); got != 1 {
		t.Fatalf("agent runs: got %d, want 1", got)
	}
	if got := b.callsMatching("AddLabel " + LabelResearchDone); len(got) != 1 {
		t.Fatal("research should complete through the pool")
	}
}

func TestCycle_OneBadBoardIsTolerated(t *testing.T) {
	cfg := testConfig()
	cfg.Boards = []string{
		"https://github.com/orgs/acme/projects/7",
		"https://github.com/orgs/acme/projects/9",
	}
	b := &mockBoard{
		fetchFunc: func(url string) ([]board.WorkItem, error) {
			if url == cfg.Boards[0] {
				return nil, fmt.Errorf("board query failed")
			}
			return []board.WorkItem{openItem(board.StatusUnknown)}, nil
		},
	}
	s := testScheduler(t, b, &mockAgent{}, &mockWorkspace{}, cfg)

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("one bad board must not fail the cycle: %v", err)
	}
	s.wg.Wait()
	if got := b.callsMatching("UpdateStatus"); len(got) != 1 {
		t.Fatalf("items from the healthy board should still reconcile: %v", got)
	}
}

func TestCycle_AllBoardsDownIsNetworkError(t *testing.T) {
	b := &mockBoard{
		fetchFunc: func(string) ([]board.WorkItem, error) {
			return nil, fmt.Errorf("query failed")
		},
	}
	s := testScheduler(t, b, &mockAgent{}, &mockWorkspace{}, nil)

	err := s.cycle(context.Background())
	if err == nil || !board.IsNetworkError(err) {
		t.Fatalf("want network classification, got: %v", err)
	}
}

func TestPurgeStaleLocks_RetractsMarkers(t *testing.T) {
	b := &mockBoard{}
	s := testScheduler(t, b, &mockAgent{}, &mockWorkspace{}, nil)

	now := time.Now()
	s.locks.nowFunc = func() time.Time { return now }
	s.locks.TryAcquire("acme/widgets#12")
	s.markers.Set("acme/widgets#12", LabelResearching)
	now = now.Add(2 * time.Hour)

	s.purgeStaleLocks(context.Background())

	if s.locks.Held("acme/widgets#12") {
		t.Fatal("stale lock should be purged")
	}
	if got := b.callsMatching("RemoveLabel " + LabelResearching); len(got) != 1 {
		t.Fatalf("stale marker retraction: %v", b.calls)
	}
	if snap := s.markers.Snapshot(); len(snap) != 0 {
		t.Fatalf("marker registry should be empty: %v", snap)
	}
}

type recordingReconciler struct {
	mu    sync.Mutex
	items []string
}

func (r *recordingReconciler) Reconcile(_ context.Context, item board.WorkItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item.Key())
	return nil
}

func TestCycle_CommentChangeDispatchesReconciler(t *testing.T) {
	item := openItem(StatusInReview)
	item.CommentCount = 3
	b := &mockBoard{
		fetchFunc: func(string) ([]board.WorkItem, error) {
			return []board.WorkItem{item}, nil
		},
	}
	s := testScheduler(t, b, &mockAgent{}, &mockWorkspace{}, nil)
	rec := &recordingReconciler{}
	s.reconciler = rec

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.wg.Wait()
	if len(rec.items) != 1 || rec.items[0] != "acme/widgets#12" {
		t.Fatalf("reconciler calls: %v", rec.items)
	}

	// The count is persisted: a second cycle with the same count is quiet.
	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.wg.Wait()
	if len(rec.items) != 1 {
		t.Fatalf("unchanged count must not re-dispatch: %v", rec.items)
	}
}

func TestRun_ShutdownRetractsHeldMarkers(t *testing.T) {
	b := &mockBoard{}
	s := testScheduler(t, b, &mockAgent{}, &mockWorkspace{}, nil)
	s.markers.Set("acme/widgets#12", LabelImplementing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != context.Canceled {
		t.Fatalf("got %v", err)
	}
	if got := b.callsMatching("RemoveLabel " + LabelImplementing); len(got) != 1 {
		t.Fatalf("shutdown retraction missing: %v", b.calls)
	}
}
