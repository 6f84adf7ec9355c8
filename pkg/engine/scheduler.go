package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"loom/pkg/board"
	"loom/pkg/config"
	"loom/pkg/state"
	"loom/pkg/workspace"
)

// CommentReconciler handles items whose comment count changed since the
// last poll. The scheduler dispatches it on the shared worker pool.
type CommentReconciler interface {
	Reconcile(ctx context.Context, item board.WorkItem) error
}

// LoggingReconciler is the stand-in reconciler: it records the change and
// does nothing else.
type LoggingReconciler struct {
	Logger *slog.Logger
}

// Reconcile implements CommentReconciler.
func (r *LoggingReconciler) Reconcile(_ context.Context, item board.WorkItem) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("comment activity noted", "item", item.Key(), "comments", item.CommentCount)
	return nil
}

// completion is one finished worker-pool task, observed asynchronously so
// the control loop never blocks on a worker.
type completion struct {
	item string
	kind string
	err  error
}

// Scheduler is the top-level control loop. One goroutine runs poll cycles;
// stage dispatches and comment reconciliation share a bounded worker pool.
type Scheduler struct {
	client     board.Client
	workflow   *Workflow
	yolo       *YOLOController
	hib        *HibernationController
	spaces     workspace.Manager
	store      *state.Store
	cfg        *config.Config
	locks      *LockRegistry
	markers    *MarkerRegistry
	reconciler CommentReconciler
	logger     *slog.Logger

	sem         chan struct{}
	wg          sync.WaitGroup
	completions chan completion

	consecutiveFailures int

	// sleepFunc lets tests skip real sleeps.
	sleepFunc func(ctx context.Context, d time.Duration)
}

// NewScheduler wires the control loop.
func NewScheduler(
	client board.Client,
	workflow *Workflow,
	yolo *YOLOController,
	hib *HibernationController,
	spaces workspace.Manager,
	store *state.Store,
	cfg *config.Config,
	locks *LockRegistry,
	markers *MarkerRegistry,
	reconciler CommentReconciler,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if reconciler == nil {
		reconciler = &LoggingReconciler{Logger: logger}
	}
	size := cfg.MaxConcurrentRuns
	if size <= 0 {
		size = config.DefaultMaxConcurrentRuns
	}
	return &Scheduler{
		client:      client,
		workflow:    workflow,
		yolo:        yolo,
		hib:         hib,
		spaces:      spaces,
		store:       store,
		cfg:         cfg,
		locks:       locks,
		markers:     markers,
		reconciler:  reconciler,
		logger:      logger,
		sem:         make(chan struct{}, size),
		completions: make(chan completion, size*4),
		sleepFunc:   sleepCtx,
	}
}

// Run polls until ctx is cancelled, then drains in-flight work and
// retracts any running markers still held.
func (s *Scheduler) Run(ctx context.Context) error {
	supervisorDone := make(chan struct{})
	go s.superviseCompletions(supervisorDone)

	hosts := distinctHosts(s.cfg.Boards)
	s.logger.Info("scheduler started",
		"boards", len(s.cfg.Boards), "max_concurrent", cap(s.sem))

	for ctx.Err() == nil {
		ok, err := s.hib.CheckConnectivity(ctx, hosts)
		if err != nil {
			// Not a connectivity problem. Back off and retry.
			s.backoff(ctx, err)
			continue
		}
		if !ok {
			s.logEvent(ctx, "hibernate", "", 0, "all hosts unreachable")
			s.sleepFunc(ctx, s.cfg.HibernationRetry.Std())
			continue
		}

		if err := s.cycle(ctx); err != nil {
			if board.IsNetworkError(err) {
				// Skip backoff: the health check on the next cycle decides
				// whether this becomes hibernation.
				s.logger.Warn("cycle hit network failure, re-probing", "error", err)
				continue
			}
			s.backoff(ctx, err)
			continue
		}

		s.consecutiveFailures = 0
		s.sleepFunc(ctx, s.cfg.PollInterval.Std())
	}

	s.shutdown()
	close(s.completions)
	<-supervisorDone
	return ctx.Err()
}

// backoff sleeps for an exponentially growing delay, doubling per
// consecutive failure from the configured base up to the cap.
func (s *Scheduler) backoff(ctx context.Context, cause error) {
	s.consecutiveFailures++
	delay := backoffDelay(s.cfg.BackoffBase.Std(), s.cfg.BackoffCap.Std(), s.consecutiveFailures)
	s.logger.Error("poll cycle failed, backing off",
		"failures", s.consecutiveFailures, "delay", delay, "error", cause)
	s.sleepFunc(ctx, delay)
}

// backoffDelay returns base doubled per prior failure, capped.
func backoffDelay(base, cap time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// cycle runs one full poll iteration: purge stale locks, fetch every board,
// run the reconciliation passes in order, then dispatch the trigger set.
func (s *Scheduler) cycle(ctx context.Context) error {
	s.purgeStaleLocks(ctx)

	var items []board.WorkItem
	fetched := 0
	for _, url := range s.cfg.Boards {
		boardItems, err := s.client.FetchBoardItems(ctx, url)
		if err != nil {
			// One bad board never blocks the others.
			s.logger.Warn("board fetch failed", "board", url, "error", err)
			continue
		}
		fetched++
		items = append(items, boardItems...)
	}
	if fetched == 0 && len(s.cfg.Boards) > 0 {
		return &board.NetworkError{Op: "fetch boards", Err: fmt.Errorf("no board reachable")}
	}

	s.reconcile(ctx, items)

	for _, item := range items {
		switch {
		case s.workflow.ShouldTrigger(ctx, item):
			s.submitDispatch(ctx, item)
		case s.yolo.ShouldAdvance(ctx, item):
			s.submitAdvance(ctx, item)
		}
	}
	return nil
}

// reconcile runs the ordered idempotent passes. Later passes assume the
// side effects of earlier ones (backlog assignment must precede the YOLO
// bootstrap), so the order is fixed.
func (s *Scheduler) reconcile(ctx context.Context, items []board.WorkItem) {
	for _, item := range items {
		s.cleanupClosed(ctx, item)
	}
	for _, item := range items {
		s.autoArchive(ctx, item)
	}
	for _, item := range items {
		s.promoteMerged(ctx, item)
	}
	for _, item := range items {
		s.defaultBacklog(ctx, item)
	}
	for _, item := range items {
		s.dispatchCommentChange(ctx, item)
	}
	for _, item := range items {
		s.bootstrapYOLO(ctx, item)
	}
	for _, item := range items {
		s.handleReset(ctx, item)
	}
}

// cleanupClosed retracts the workspace of any closed item not yet tagged.
func (s *Scheduler) cleanupClosed(ctx context.Context, item board.WorkItem) {
	if item.Open || item.HasLabel(LabelCleaned) {
		return
	}
	if err := s.spaces.Cleanup(ctx, item.Repo, item.Number); err != nil {
		s.logger.Warn("workspace cleanup failed", "item", item.Key(), "error", err)
		return
	}
	if err := s.client.AddLabel(ctx, item.Repo, item.Number, LabelCleaned); err != nil {
		s.logger.Warn("apply cleaned tag failed", "item", item.Key(), "error", err)
	}
	s.logEvent(ctx, "cleanup", item.Repo.Slug(), item.Number, "workspace retracted")
}

// autoArchive removes items closed without real completion from the board.
func (s *Scheduler) autoArchive(ctx context.Context, item board.WorkItem) {
	if item.Open || item.CloseReason == board.CloseReasonCompleted {
		return
	}
	if err := s.client.ArchiveItem(ctx, item); err != nil {
		s.logger.Warn("archive failed", "item", item.Key(), "error", err)
		return
	}
	s.logEvent(ctx, "archive", item.Repo.Slug(), item.Number, "closed as "+item.CloseReason)
}

// promoteMerged moves genuinely finished items to the terminal status.
func (s *Scheduler) promoteMerged(ctx context.Context, item board.WorkItem) {
	if item.Open || !item.Merged || item.CloseReason != board.CloseReasonCompleted {
		return
	}
	if item.Status == StatusDone {
		return
	}
	if err := s.client.UpdateStatus(ctx, item, StatusDone); err != nil {
		s.logger.Warn("promote to done failed", "item", item.Key(), "error", err)
		return
	}
	s.logEvent(ctx, "promote", item.Repo.Slug(), item.Number, "merged and completed")
}

// defaultBacklog assigns the initial status to untouched items.
func (s *Scheduler) defaultBacklog(ctx context.Context, item board.WorkItem) {
	if !item.Open {
		return
	}
	if item.Status != "" && item.Status != board.StatusUnknown {
		return
	}
	if err := s.client.UpdateStatus(ctx, item, StatusBacklog); err != nil {
		s.logger.Warn("default to backlog failed", "item", item.Key(), "error", err)
		return
	}
	s.logEvent(ctx, "backlog", item.Repo.Slug(), item.Number, "status defaulted")
}

// dispatchCommentChange hands items with new comments to the reconciler.
func (s *Scheduler) dispatchCommentChange(ctx context.Context, item board.WorkItem) {
	st, err := s.store.GetIssueState(ctx, item.Repo.Slug(), item.Number)
	if err != nil {
		s.logger.Warn("load issue state failed", "item", item.Key(), "error", err)
		return
	}
	if st.LastCommentCount == item.CommentCount {
		return
	}
	st.LastCommentCount = item.CommentCount
	if err := s.store.UpdateIssueState(ctx, st); err != nil {
		s.logger.Warn("save issue state failed", "item", item.Key(), "error", err)
		return
	}
	s.submit(ctx, item.Key(), "comments", func(workerCtx context.Context) error {
		return s.reconciler.Reconcile(workerCtx, item)
	})
}

// bootstrapYOLO advances opted-in backlog items into the first stage,
// re-reading the progression label live before mutating status.
func (s *Scheduler) bootstrapYOLO(ctx context.Context, item board.WorkItem) {
	if !item.Open || item.Status != StatusBacklog || !item.HasLabel(LabelYOLO) {
		return
	}
	if !s.yolo.freshHasLabel(ctx, item, LabelYOLO) {
		return
	}
	if err := s.client.UpdateStatus(ctx, item, StatusResearch); err != nil {
		s.logger.Warn("yolo bootstrap failed", "item", item.Key(), "error", err)
		return
	}
	s.logEvent(ctx, "yolo-bootstrap", item.Repo.Slug(), item.Number, "backlog -> research")
}

// handleReset clears generated content and returns the item to backlog.
func (s *Scheduler) handleReset(ctx context.Context, item board.WorkItem) {
	if !item.Open || !item.HasLabel(LabelReset) {
		return
	}
	for _, label := range item.Labels {
		if !strings.HasPrefix(label, "loom:") {
			continue
		}
		if err := s.client.RemoveLabel(ctx, item.Repo, item.Number, label); err != nil {
			s.logger.Warn("reset label removal failed",
				"item", item.Key(), "label", label, "error", err)
		}
	}
	body, err := s.client.GetItemBody(ctx, item.Repo, item.Number)
	if err == nil {
		if stripped := stripGeneratedSections(body, s.cfg.ResearchMarker); stripped != body {
			if err := s.client.UpdateItemBody(ctx, item.Repo, item.Number, stripped); err != nil {
				s.logger.Warn("reset body rewrite failed", "item", item.Key(), "error", err)
			}
		}
	} else {
		s.logger.Warn("reset body read failed", "item", item.Key(), "error", err)
	}
	if err := s.client.UpdateStatus(ctx, item, StatusBacklog); err != nil {
		s.logger.Warn("reset status move failed", "item", item.Key(), "error", err)
		return
	}
	s.logEvent(ctx, "reset", item.Repo.Slug(), item.Number, "returned to backlog")
}

// stripGeneratedSections drops the pipeline-written markdown sections
// (research marker, "## Plan") from a body, leaving everything above the
// first one intact.
func stripGeneratedSections(body, researchMarker string) string {
	cut := len(body)
	for _, heading := range []string{researchMarker, "## Plan"} {
		if idx := strings.Index(body, heading); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return strings.TrimRight(body[:cut], "\n")
}

// purgeStaleLocks drops soft locks older than the threshold and retracts
// their running markers best-effort.
func (s *Scheduler) purgeStaleLocks(ctx context.Context) {
	purged := s.locks.PurgeStale(s.cfg.LockStaleAfter.Std())
	if len(purged) == 0 {
		return
	}
	held := s.markers.Snapshot()
	for _, key := range purged {
		s.logger.Warn("purged stale soft lock", "item", key)
		repo, number, ok := parseKey(key)
		if marker, has := held[key]; has && ok {
			if err := s.client.RemoveLabel(ctx, repo, number, marker); err != nil {
				s.logger.Warn("stale marker retraction failed",
					"item", key, "label", marker, "error", err)
			}
			s.markers.Clear(key)
		}
		s.logEvent(ctx, "purge", repo.Slug(), number, "stale lock removed")
	}
}

// parseKey splits "owner/name#number" back into its parts.
func parseKey(key string) (board.Repo, int, bool) {
	slug, numStr, ok := strings.Cut(key, "#")
	if !ok {
		return board.Repo{}, 0, false
	}
	owner, name, ok := strings.Cut(slug, "/")
	if !ok {
		return board.Repo{}, 0, false
	}
	number, err := strconv.Atoi(numStr)
	if err != nil {
		return board.Repo{}, 0, false
	}
	return board.Repo{Owner: owner, Name: name}, number, true
}

// submitDispatch queues a stage run on the worker pool.
func (s *Scheduler) submitDispatch(ctx context.Context, item board.WorkItem) {
	s.logEvent(ctx, "trigger", item.Repo.Slug(), item.Number, "stage for "+item.Status)
	s.submit(ctx, item.Key(), "dispatch", func(workerCtx context.Context) error {
		return s.workflow.Dispatch(workerCtx, item)
	})
}

// submitAdvance queues a YOLO advance on the worker pool.
func (s *Scheduler) submitAdvance(ctx context.Context, item board.WorkItem) {
	s.logEvent(ctx, "yolo-advance", item.Repo.Slug(), item.Number, "from "+item.Status)
	s.submit(ctx, item.Key(), "advance", func(workerCtx context.Context) error {
		return s.yolo.Advance(workerCtx, item)
	})
}

// submit runs fn on the bounded pool. In-flight tasks are never cancelled
// by shutdown: an agent subprocess or external mutation left half-done is
// worse than a slow exit, so workers get a detached context and the
// shutdown path waits for them.
func (s *Scheduler) submit(ctx context.Context, key, kind string, fn func(context.Context) error) {
	workerCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.completions <- completion{item: key, kind: kind, err: fn(workerCtx)}
	}()
}

// superviseCompletions drains the completion channel and logs outcomes,
// decoupling dispatch from result observation.
func (s *Scheduler) superviseCompletions(done chan<- struct{}) {
	defer close(done)
	for c := range s.completions {
		if c.err != nil {
			s.logger.Error("worker task failed", "item", c.item, "kind", c.kind, "error", c.err)
			continue
		}
		s.logger.Info("worker task finished", "item", c.item, "kind", c.kind)
	}
}

// shutdown retracts every running marker still held, then drains the pool.
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for key, marker := range s.markers.Snapshot() {
		repo, number, ok := parseKey(key)
		if !ok {
			continue
		}
		if err := s.client.RemoveLabel(ctx, repo, number, marker); err != nil {
			s.logger.Warn("shutdown marker retraction failed",
				"item", key, "label", marker, "error", err)
		}
	}

	s.logger.Info("draining worker pool")
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// distinctHosts extracts the unique hostnames from the board URLs.
func distinctHosts(boards []string) []string {
	seen := map[string]bool{}
	var hosts []string
	for _, url := range boards {
		host := hostOfURL(url)
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		hosts = append(hosts, host)
	}
	return hosts
}

// hostOfURL pulls the hostname out of a board URL.
func hostOfURL(url string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	host, _, _ := strings.Cut(rest, "/")
	return host
}

// logEvent appends to the audit log; failures are logged only.
func (s *Scheduler) logEvent(ctx context.Context, evType, repo string, ticket int, detail string) {
	if err := s.store.LogEvent(ctx, evType, repo, ticket, detail); err != nil {
		s.logger.Warn("audit log write failed", "type", evType, "error", err)
	}
}
