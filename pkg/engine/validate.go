package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"loom/pkg/board"
)

// Check polling pace. The delay doubles up to the cap; progress comments go
// out at the 3- and 5-minute marks so a watching human knows the daemon is
// still waiting on CI.
const (
	checkPollInitial = 15 * time.Second
	checkPollCap     = 60 * time.Second
)

// validateChangeSet runs the CI-gated validation sub-loop after a
// successful implementation. Validation is best-effort: however it ends,
// the change-set is marked ready for review so a human sees it.
func (w *Workflow) validateChangeSet(ctx context.Context, item board.WorkItem, workDir string, cs *board.ChangeSet) error {
	pol := w.policies.For(item.Repo.Slug())
	defer w.markReady(ctx, item)

	if !pol.Enabled {
		w.logger.Info("validation disabled for repo", "repo", item.Repo.Slug())
		return nil
	}

	var prevFailing []string
	for attempt := 1; attempt <= pol.MaxFixAttempts; attempt++ {
		failing, err := w.awaitChecks(ctx, item, cs, pol.Timeout.Std())
		if err != nil {
			w.logger.Warn("check polling ended early", "item", item.Key(), "error", err)
			return nil
		}
		if len(failing) == 0 {
			w.logger.Info("checks passed", "item", item.Key(), "attempt", attempt)
			return nil
		}
		if sameStringSet(failing, prevFailing) {
			w.logger.Warn("same checks failing twice in a row, stopping fix attempts",
				"item", item.Key(), "checks", failing)
			return nil
		}
		prevFailing = failing

		w.logger.Info("invoking agent for CI fix",
			"item", item.Key(), "attempt", attempt, "failing", failing)
		stage, _ := StageFor(StatusImplement)
		req := w.agentRequest(item, stage, workDir, buildFixPrompt(item.Repo.Slug(), cs.Number, failing))
		if _, err := w.agents.Run(ctx, req); err != nil {
			w.logger.Warn("fix round failed", "item", item.Key(), "error", err)
			return nil
		}

		// The fix pushed a new head; refresh before the next round.
		fresh, err := w.client.GetLinkedChangeSet(ctx, item.Repo, item.Number)
		if err != nil || fresh == nil {
			w.logger.Warn("change-set refresh after fix failed", "item", item.Key(), "error", err)
			return nil
		}
		*cs = *fresh
	}
	w.logger.Warn("fix attempt budget exhausted", "item", item.Key(), "attempts", pol.MaxFixAttempts)
	return nil
}

func (w *Workflow) markReady(ctx context.Context, item board.WorkItem) {
	if err := w.client.MarkReadyForReview(ctx, item.Repo, item.Number); err != nil {
		w.logger.Warn("mark ready for review failed", "item", item.Key(), "error", err)
	}
}

// awaitChecks polls the head commit's check runs until they all complete or
// the timeout elapses, and returns the names of the failed ones.
func (w *Workflow) awaitChecks(ctx context.Context, item board.WorkItem, cs *board.ChangeSet, timeout time.Duration) ([]string, error) {
	start := w.nowFunc()
	delay := checkPollInitial
	posted3, posted5 := false, false

	for {
		var runs []board.CheckRun
		err := w.retryNetwork(ctx, "check runs", func() error {
			var err error
			runs, err = w.client.GetCheckRuns(ctx, item.Repo, cs.Head)
			return err
		})
		if err != nil {
			return nil, err
		}

		if allCompleted(runs) {
			var failing []string
			for _, r := range runs {
				if r.Failed {
					failing = append(failing, r.Name)
				}
			}
			sort.Strings(failing)
			return failing, nil
		}

		elapsed := w.nowFunc().Sub(start)
		if elapsed >= timeout {
			return nil, fmt.Errorf("checks on %s not complete after %s", cs.Head, timeout)
		}
		if !posted3 && elapsed >= 3*time.Minute {
			posted3 = true
			w.commentProgress(ctx, item, "Still waiting on CI checks (3 minutes).")
		}
		if !posted5 && elapsed >= 5*time.Minute {
			posted5 = true
			w.commentProgress(ctx, item, "Still waiting on CI checks (5 minutes).")
		}

		w.sleepFunc(ctx, delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if delay *= 2; delay > checkPollCap {
			delay = checkPollCap
		}
	}
}

func (w *Workflow) commentProgress(ctx context.Context, item board.WorkItem, msg string) {
	if err := w.client.CommentOnChangeSet(ctx, item.Repo, item.Number, msg); err != nil {
		w.logger.Warn("progress comment failed", "item", item.Key(), "error", err)
	}
}

func allCompleted(runs []board.CheckRun) bool {
	for _, r := range runs {
		if !r.Completed {
			return false
		}
	}
	return true
}

// sameStringSet compares two sorted name lists.
func sameStringSet(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	return strings.Join(a, "\x00") == strings.Join(b, "\x00")
}
