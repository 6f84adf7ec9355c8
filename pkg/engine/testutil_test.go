package engine //nolint:testpackage // white-box tests for the orchestration core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loom/pkg/agent"
	"loom/pkg/board"
	"loom/pkg/config"
	"loom/pkg/state"
)

// mockBoard is a hand-rolled board.Client. Every mutation is recorded in
// calls as "Op arg"; behavior is overridden per test via the func fields.
type mockBoard struct {
	mu    sync.Mutex
	calls []string

	fetchFunc       func(url string) ([]board.WorkItem, error)
	labelsFunc      func(repo board.Repo, number int) ([]string, error)
	labelActorFunc  func(label string) (string, error)
	statusActorFunc func(item board.WorkItem) (string, error)
	bodyFunc        func() (string, error)
	changeSetFunc   func() (*board.ChangeSet, error)
	checkRunsFunc   func(sha string) ([]board.CheckRun, error)
	validateFunc    func(host string) error

	actorCheck      bool
	addLabelErr     error
	removeLabelErr  error
	updateStatusErr error
	createCSErr     error
	createHook      func() // runs after a successful CreateChangeSet
}

func (m *mockBoard) record(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// callsMatching returns recorded calls with the given prefix.
func (m *mockBoard) callsMatching(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockBoard) FetchBoardItems(_ context.Context, url string) ([]board.WorkItem, error) {
	m.record("FetchBoardItems %s", url)
	if m.fetchFunc != nil {
		return m.fetchFunc(url)
	}
	return nil, nil
}

func (m *mockBoard) GetLabels(_ context.Context, repo board.Repo, number int) ([]string, error) {
	m.record("GetLabels %s#%d", repo.Slug(), number)
	if m.labelsFunc != nil {
		return m.labelsFunc(repo, number)
	}
	return nil, nil
}

func (m *mockBoard) AddLabel(_ context.Context, repo board.Repo, number int, label string) error {
	m.record("AddLabel %s", label)
	return m.addLabelErr
}

func (m *mockBoard) RemoveLabel(_ context.Context, repo board.Repo, number int, label string) error {
	m.record("RemoveLabel %s", label)
	return m.removeLabelErr
}

func (m *mockBoard) GetLabelActor(_ context.Context, _ board.Repo, _ int, label string) (string, error) {
	m.record("GetLabelActor %s", label)
	if m.labelActorFunc != nil {
		return m.labelActorFunc(label)
	}
	return "", fmt.Errorf("no actor configured")
}

func (m *mockBoard) GetStatusActor(_ context.Context, item board.WorkItem) (string, error) {
	m.record("GetStatusActor %s", item.Key())
	if m.statusActorFunc != nil {
		return m.statusActorFunc(item)
	}
	return "", fmt.Errorf("no actor configured")
}

func (m *mockBoard) UpdateStatus(_ context.Context, item board.WorkItem, status string) error {
	m.record("UpdateStatus %s -> %s", item.Key(), status)
	return m.updateStatusErr
}

func (m *mockBoard) ArchiveItem(_ context.Context, item board.WorkItem) error {
	m.record("ArchiveItem %s", item.Key())
	return nil
}

func (m *mockBoard) GetItemBody(_ context.Context, repo board.Repo, number int) (string, error) {
	m.record("GetItemBody %s#%d", repo.Slug(), number)
	if m.bodyFunc != nil {
		return m.bodyFunc()
	}
	return "", nil
}

func (m *mockBoard) UpdateItemBody(_ context.Context, repo board.Repo, number int, _ string) error {
	m.record("UpdateItemBody %s#%d", repo.Slug(), number)
	return nil
}

func (m *mockBoard) GetLinkedChangeSet(_ context.Context, repo board.Repo, number int) (*board.ChangeSet, error) {
	m.record("GetLinkedChangeSet %s#%d", repo.Slug(), number)
	if m.changeSetFunc != nil {
		return m.changeSetFunc()
	}
	return nil, nil
}

func (m *mockBoard) CreateChangeSet(_ context.Context, _ board.Repo, _ int, branch, _, _ string) error {
	m.record("CreateChangeSet %s", branch)
	if m.createCSErr != nil {
		return m.createCSErr
	}
	if m.createHook != nil {
		m.createHook()
	}
	return nil
}

func (m *mockBoard) CommentOnChangeSet(_ context.Context, _ board.Repo, number int, body string) error {
	m.record("CommentOnChangeSet #%d %s", number, body)
	return nil
}

func (m *mockBoard) MarkReadyForReview(_ context.Context, _ board.Repo, number int) error {
	m.record("MarkReadyForReview #%d", number)
	return nil
}

func (m *mockBoard) GetCheckRuns(_ context.Context, _ board.Repo, sha string) ([]board.CheckRun, error) {
	m.record("GetCheckRuns %s", sha)
	if m.checkRunsFunc != nil {
		return m.checkRunsFunc(sha)
	}
	return nil, nil
}

func (m *mockBoard) ValidateConnection(_ context.Context, host string) error {
	m.record("ValidateConnection %s", host)
	if m.validateFunc != nil {
		return m.validateFunc(host)
	}
	return nil
}

func (m *mockBoard) SupportsActorCheck() bool { return m.actorCheck }
func (m *mockBoard) SupportsSubIssues() bool  { return true }

// mockAgent counts invocations and returns canned results.
type mockAgent struct {
	mu      sync.Mutex
	runs    int
	prompts []string
	result  *agent.Result
	err     error
	runFunc func(req agent.Request) (*agent.Result, error)
}

func (m *mockAgent) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	m.mu.Lock()
	m.runs++
	m.prompts = append(m.prompts, req.Prompt)
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(req)
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &agent.Result{Response: "done", SessionID: "sess-1"}, nil
}

func (m *mockAgent) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

// mockWorkspace returns a fixed path and records cleanups.
type mockWorkspace struct {
	mu        sync.Mutex
	ensured   []string
	cleaned   []string
	ensureErr error
}

func (m *mockWorkspace) EnsureWorkspace(_ context.Context, repo board.Repo, number int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s#%d", repo.Slug(), number)
	m.ensured = append(m.ensured, key)
	if m.ensureErr != nil {
		return "", m.ensureErr
	}
	return "/tmp/ws/" + key, nil
}

func (m *mockWorkspace) Cleanup(_ context.Context, repo board.Repo, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaned = append(m.cleaned, fmt.Sprintf("%s#%d", repo.Slug(), number))
	return nil
}

// testStore opens a throwaway state database.
func testStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// testConfig returns a config with fast knobs for tests.
func testConfig() *config.Config {
	return &config.Config{
		Boards:            []string{"https://github.com/orgs/acme/projects/7"},
		DataDir:           "/tmp/loom-test",
		BotIdentity:       "loom-bot",
		AllowedActors:     []string{"teammate"},
		PollInterval:      config.Duration(time.Millisecond),
		MaxConcurrentRuns: 2,
		LockStaleAfter:    config.Duration(time.Hour),
		HibernationRetry:  config.Duration(time.Millisecond),
		BackoffBase:       config.Duration(2 * time.Second),
		BackoffCap:        config.Duration(300 * time.Second),
		AgentTimeout:      config.Duration(time.Minute),
		AgentInactivity:   config.Duration(time.Minute),
		NetworkRetryBase:  config.Duration(time.Millisecond),
		PRLookupBase:      config.Duration(time.Millisecond),
		ResearchMarker:    "## Research",
		MaxAppendedTasks:  5,
	}
}

// noSleep replaces sleepFunc so tests never wait.
func noSleep(context.Context, time.Duration) {}

// testWorkflow wires a Workflow over the mocks with instant sleeps.
func testWorkflow(t *testing.T, b *mockBoard, a *mockAgent, ws *mockWorkspace, cfg *config.Config) *Workflow {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	w := NewWorkflow(b, a, ws, testStore(t), nil, cfg, config.NewPolicyStore(),
		NewLockRegistry(), NewMarkerRegistry(), slog.Default())
	w.sleepFunc = noSleep
	return w
}

// openItem builds a WorkItem in the given status with labels.
func openItem(status string, labels ...string) board.WorkItem {
	return board.WorkItem{
		ItemID:   "ITEM_1",
		BoardURL: "https://github.com/orgs/acme/projects/7",
		Number:   12,
		Repo:     board.Repo{Host: "github.com", Owner: "acme", Name: "widgets"},
		Status:   status,
		Title:    "Fix flaky retry",
		Open:     true,
		Labels:   labels,
	}
}
