package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/pkg/agent"
	"loom/pkg/board"
	"loom/pkg/config"
	"loom/pkg/notify"
	"loom/pkg/state"
	"loom/pkg/workspace"
)

// errResearchStalled marks a research run whose agent exited normally but
// never produced the required body section.
var errResearchStalled = errors.New("research marker missing from item body")

// Workflow decides whether a stage should run for a work item and executes
// the full stage dispatch on a worker.
type Workflow struct {
	client   board.Client
	agents   agent.Runner
	spaces   workspace.Manager
	store    *state.Store
	alerter  notify.Alerter
	cfg      *config.Config
	policies *config.PolicyStore
	locks    *LockRegistry
	markers  *MarkerRegistry
	logger   *slog.Logger

	// nowFunc and sleepFunc allow tests to control time.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration)
	newRunID  func() string
}

// NewWorkflow wires the state machine with its collaborators.
func NewWorkflow(
	client board.Client,
	agents agent.Runner,
	spaces workspace.Manager,
	store *state.Store,
	alerter notify.Alerter,
	cfg *config.Config,
	policies *config.PolicyStore,
	locks *LockRegistry,
	markers *MarkerRegistry,
	logger *slog.Logger,
) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = notify.NopAlerter{}
	}
	if policies == nil {
		policies = config.NewPolicyStore()
	}
	return &Workflow{
		client:    client,
		agents:    agents,
		spaces:    spaces,
		store:     store,
		alerter:   alerter,
		cfg:       cfg,
		policies:  policies,
		locks:     locks,
		markers:   markers,
		logger:    logger,
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
		newRunID:  uuid.NewString,
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// actorAllowed reports whether username may move statuses and apply
// progression labels.
func (w *Workflow) actorAllowed(username string) bool {
	return actorInList(username, w.cfg, w.policies)
}

// actorInList checks username against the bot identity and the allow-list,
// preferring the hot-reloaded policy-file list over the static config one.
func actorInList(username string, cfg *config.Config, policies *config.PolicyStore) bool {
	if username == cfg.BotIdentity {
		return true
	}
	actors := cfg.AllowedActors
	if policies != nil {
		if override := policies.AllowedActors(); len(override) > 0 {
			actors = override
		}
	}
	for _, a := range actors {
		if a == username {
			return true
		}
	}
	return false
}

// ShouldTrigger reports whether the item's current status calls for a stage
// run. Preconditions short-circuit cheapest first, against the cached label
// set from the same fetch that produced the item.
func (w *Workflow) ShouldTrigger(ctx context.Context, item board.WorkItem) bool {
	if !item.Open {
		return false
	}
	stage, ok := StageFor(item.Status)
	if !ok {
		return false
	}
	if w.locks.Held(item.Key()) {
		return false
	}
	if item.HasLabel(stage.RunningLabel) {
		return false
	}
	if stage.CompleteLabel != "" && item.HasLabel(stage.CompleteLabel) {
		return false
	}
	if item.HasLabel(stage.FailedLabel) {
		return false
	}
	if item.HasLabel(LabelReset) {
		// A pending reset is being processed this cycle.
		return false
	}

	if !w.client.SupportsActorCheck() {
		// Limited backends cannot report who moved the status. Proceeding
		// anyway is a documented relaxation; flag it every time.
		w.logger.Warn("backend cannot verify status actor, proceeding unverified",
			"item", item.Key(), "status", item.Status)
		return true
	}
	actor, err := w.client.GetStatusActor(ctx, item)
	if err != nil {
		w.logger.Warn("status actor lookup failed, suppressing trigger",
			"item", item.Key(), "error", err)
		return false
	}
	if !w.actorAllowed(actor) {
		w.logger.Info("status moved by unlisted actor, suppressing trigger",
			"item", item.Key(), "actor", actor)
		return false
	}
	return true
}

// Dispatch runs one stage for the item on the calling goroutine. The soft
// lock is taken before any side effect and released on every path; the
// running marker is retracted and the run record closed exactly once
// regardless of outcome.
func (w *Workflow) Dispatch(ctx context.Context, item board.WorkItem) error {
	stage, ok := StageFor(item.Status)
	if !ok {
		return fmt.Errorf("no stage configured for status %q", item.Status)
	}
	key := item.Key()
	if !w.locks.TryAcquire(key) {
		w.logger.Info("dispatch skipped, already in flight", "item", key)
		return nil
	}
	defer w.locks.Release(key)

	workDir, err := w.prepareWorkspace(ctx, item)
	if err != nil {
		return fmt.Errorf("prepare workspace for %s: %w", key, err)
	}

	if err := w.client.AddLabel(ctx, item.Repo, item.Number, stage.RunningLabel); err != nil {
		return fmt.Errorf("apply running marker %s: %w", stage.RunningLabel, err)
	}
	w.markers.Set(key, stage.RunningLabel)

	runID := w.newRunID()
	rec := state.RunRecord{
		ID:        runID,
		Repo:      item.Repo.Slug(),
		Ticket:    item.Number,
		Stage:     stage.Name,
		StartedAt: w.nowFunc(),
		LogPath:   filepath.Join(w.cfg.DataDir, "runs", runID+".log"),
	}
	if err := w.store.InsertRunRecord(ctx, rec); err != nil {
		w.retractRunningMarker(ctx, item, stage)
		return fmt.Errorf("open run record: %w", err)
	}

	w.logger.Info("stage dispatched", "item", key, "stage", stage.Name, "run", runID)
	sessionID, runErr := w.runStage(ctx, item, stage, workDir)

	outcome := state.OutcomeSuccess
	if runErr != nil {
		outcome = state.OutcomeFailed
		var inc *ImplementationIncompleteError
		if errors.Is(runErr, errResearchStalled) || (errors.As(runErr, &inc) && inc.Reason == ReasonStall) {
			outcome = state.OutcomeStalled
		}
	}
	if err := w.store.CompleteRunRecord(ctx, runID, outcome, sessionID, w.nowFunc()); err != nil {
		w.logger.Error("close run record failed", "run", runID, "error", err)
	}
	w.saveSession(ctx, item, stage, sessionID)

	// Cleanup is never skipped: the running marker comes off before the
	// outcome is acted on or the error re-raised.
	w.retractRunningMarker(ctx, item, stage)

	if runErr != nil {
		if err := w.client.AddLabel(ctx, item.Repo, item.Number, stage.FailedLabel); err != nil {
			w.logger.Warn("apply failure marker failed", "item", key, "error", err)
		}
		w.notifyPhase(ctx, item, stage, outcome)
		return fmt.Errorf("stage %s for %s: %w", stage.Name, key, runErr)
	}

	if err := w.completeStage(ctx, item, stage); err != nil {
		return fmt.Errorf("complete stage %s for %s: %w", stage.Name, key, err)
	}
	w.notifyPhase(ctx, item, stage, outcome)
	w.logger.Info("stage complete", "item", key, "stage", stage.Name)
	return nil
}

// prepareWorkspace ensures the item's worktree exists, holding the
// transient preparing marker for the duration of the step only.
func (w *Workflow) prepareWorkspace(ctx context.Context, item board.WorkItem) (string, error) {
	if err := w.client.AddLabel(ctx, item.Repo, item.Number, LabelPreparing); err != nil {
		w.logger.Warn("apply preparing marker failed", "item", item.Key(), "error", err)
	}
	path, err := w.spaces.EnsureWorkspace(ctx, item.Repo, item.Number)
	if rmErr := w.client.RemoveLabel(ctx, item.Repo, item.Number, LabelPreparing); rmErr != nil {
		w.logger.Warn("retract preparing marker failed", "item", item.Key(), "error", rmErr)
	}
	return path, err
}

// retractRunningMarker removes the stage's running label best-effort and
// drops it from the crash-cleanup registry.
func (w *Workflow) retractRunningMarker(ctx context.Context, item board.WorkItem, stage StageConfig) {
	if err := w.client.RemoveLabel(ctx, item.Repo, item.Number, stage.RunningLabel); err != nil {
		w.logger.Warn("retract running marker failed",
			"item", item.Key(), "label", stage.RunningLabel, "error", err)
	}
	w.markers.Clear(item.Key())
}

// saveSession persists the agent session id for later resumption.
func (w *Workflow) saveSession(ctx context.Context, item board.WorkItem, stage StageConfig, sessionID string) {
	if sessionID == "" {
		return
	}
	st, err := w.store.GetIssueState(ctx, item.Repo.Slug(), item.Number)
	if err != nil {
		w.logger.Warn("load issue state failed", "item", item.Key(), "error", err)
		return
	}
	if st.StageSessions == nil {
		st.StageSessions = map[string]string{}
	}
	st.StageSessions[stage.Name] = sessionID
	if err := w.store.UpdateIssueState(ctx, st); err != nil {
		w.logger.Warn("save issue state failed", "item", item.Key(), "error", err)
	}
}

// resumeSession looks up a prior session id for the stage, if any.
func (w *Workflow) resumeSession(ctx context.Context, item board.WorkItem, stage StageConfig) string {
	st, err := w.store.GetIssueState(ctx, item.Repo.Slug(), item.Number)
	if err != nil {
		w.logger.Warn("load issue state failed", "item", item.Key(), "error", err)
		return ""
	}
	return st.StageSessions[stage.Name]
}

// runStage executes the stage body and returns the agent session id.
func (w *Workflow) runStage(ctx context.Context, item board.WorkItem, stage StageConfig, workDir string) (string, error) {
	switch stage.Name {
	case "Research":
		return w.runResearch(ctx, item, stage, workDir)
	case "Plan":
		return w.runPlan(ctx, item, stage, workDir)
	case "Implement":
		return w.runImplementation(ctx, item, stage, workDir)
	default:
		return "", fmt.Errorf("unknown stage %q", stage.Name)
	}
}

func (w *Workflow) agentRequest(item board.WorkItem, stage StageConfig, workDir, prompt string) agent.Request {
	return agent.Request{
		Prompt:            prompt,
		WorkDir:           workDir,
		Model:             w.cfg.ModelFor(stage.Name),
		Timeout:           w.cfg.AgentTimeout.Std(),
		InactivityTimeout: w.cfg.AgentInactivity.Std(),
	}
}

func (w *Workflow) runResearch(ctx context.Context, item board.WorkItem, stage StageConfig, workDir string) (string, error) {
	prompt := fmt.Sprintf(researchPrompt, item.Repo.Slug(), item.Number, item.Title, w.cfg.ResearchMarker)
	req := w.agentRequest(item, stage, workDir, prompt)
	req.ResumeSessionID = w.resumeSession(ctx, item, stage)

	res, err := w.agents.Run(ctx, req)
	if err != nil {
		return "", err
	}

	// The agent reporting success is not enough: the item body must now
	// carry the research section, or the run counts as stalled.
	body, err := w.client.GetItemBody(ctx, item.Repo, item.Number)
	if err != nil {
		return res.SessionID, fmt.Errorf("verify research output: %w", err)
	}
	if !strings.Contains(body, w.cfg.ResearchMarker) {
		return res.SessionID, errResearchStalled
	}
	return res.SessionID, nil
}

func (w *Workflow) runPlan(ctx context.Context, item board.WorkItem, stage StageConfig, workDir string) (string, error) {
	prompt := fmt.Sprintf(planPrompt, item.Repo.Slug(), item.Number, item.Title)
	req := w.agentRequest(item, stage, workDir, prompt)
	req.ResumeSessionID = w.resumeSession(ctx, item, stage)

	res, err := w.agents.Run(ctx, req)
	if err != nil {
		return "", err
	}
	return res.SessionID, nil
}

// completeStage applies the completion marker or advances the status per
// the stage table.
func (w *Workflow) completeStage(ctx context.Context, item board.WorkItem, stage StageConfig) error {
	if stage.CompleteLabel != "" {
		if err := w.client.AddLabel(ctx, item.Repo, item.Number, stage.CompleteLabel); err != nil {
			return fmt.Errorf("apply completion marker %s: %w", stage.CompleteLabel, err)
		}
	}
	if stage.NextStatus != "" {
		if err := w.client.UpdateStatus(ctx, item, stage.NextStatus); err != nil {
			return fmt.Errorf("advance to %s: %w", stage.NextStatus, err)
		}
	}
	return nil
}

func (w *Workflow) notifyPhase(ctx context.Context, item board.WorkItem, stage StageConfig, outcome string) {
	if err := w.alerter.PhaseComplete(ctx, item.Key(), stage.Name, outcome); err != nil {
		w.logger.Warn("phase notification failed", "item", item.Key(), "error", err)
	}
}

const researchPrompt = `You are working on ticket %s#%d: %s

Investigate the codebase and the ticket discussion, then edit the issue body
to append a "%s" section summarizing: the relevant code paths, the root cause
or design context, and the constraints any fix must respect. Use
` + "`gh issue edit`" + ` to update the body. Do not write any code.`

const planPrompt = `You are working on ticket %s#%d: %s

The issue body contains a research section. Produce an implementation plan as
a markdown task list (lines of the form "- [ ] ...") and append it to the
issue body under a "## Plan" heading using ` + "`gh issue edit`" + `. Each task
must be independently committable. Do not write any code.`
