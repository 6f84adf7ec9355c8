package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loom/pkg/board"
)

// fallbackIterationEstimate bounds the loop when the plan carries no
// detectable checklist at dispatch time.
const fallbackIterationEstimate = 10

// networkRetryAttempts is how many times a network-classified board call is
// retried before surfacing as fatal. The backoff starts high (70s) so the
// first retry already outlives typical load-balancer idle timeouts.
const networkRetryAttempts = 3

// runImplementation drives one implementation run: ensure a change-set
// exists, iterate the agent task by task until the checklist is done, then
// run the CI-gated validation sub-loop. The returned session id is the last
// agent session used.
func (w *Workflow) runImplementation(ctx context.Context, item board.WorkItem, stage StageConfig, workDir string) (string, error) {
	cs, err := w.ensureChangeSet(ctx, item)
	if err != nil {
		return "", err
	}

	sessionID, err := w.iterate(ctx, item, stage, workDir, cs)
	if err != nil {
		return sessionID, err
	}

	if err := w.validateChangeSet(ctx, item, workDir, cs); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

// retryNetwork runs fn, retrying network-classified failures with
// exponential backoff. Any other error surfaces immediately.
func (w *Workflow) retryNetwork(ctx context.Context, op string, fn func() error) error {
	delay := w.cfg.NetworkRetryBase.Std()
	var err error
	for attempt := 1; attempt <= networkRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !board.IsNetworkError(err) {
			return err
		}
		if attempt == networkRetryAttempts {
			break
		}
		w.logger.Warn("transient network failure, retrying",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		w.sleepFunc(ctx, delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

// ensureChangeSet returns the item's linked change-set, creating an
// empty-commit draft from the plan checklist when none exists yet.
func (w *Workflow) ensureChangeSet(ctx context.Context, item board.WorkItem) (*board.ChangeSet, error) {
	var cs *board.ChangeSet
	err := w.retryNetwork(ctx, "change-set lookup", func() error {
		var err error
		cs, err = w.client.GetLinkedChangeSet(ctx, item.Repo, item.Number)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cs != nil {
		return cs, nil
	}

	body, err := w.client.GetItemBody(ctx, item.Repo, item.Number)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	tasks := ExtractChecklist(body)
	if len(tasks) == 0 {
		return nil, &ImplementationIncompleteError{Reason: ReasonNoTasks}
	}

	branch := board.BranchForTicket(item.Number)
	title := fmt.Sprintf("%s (#%d)", item.Title, item.Number)
	csBody := fmt.Sprintf("Closes #%d\n\n## Tasks\n%s\n", item.Number, strings.Join(tasks, "\n"))
	if err := w.client.CreateChangeSet(ctx, item.Repo, item.Number, branch, title, csBody); err != nil {
		return nil, fmt.Errorf("create change-set: %w", err)
	}

	// The new change-set takes a moment to become visible; poll with
	// widening delays before giving up.
	base := w.cfg.PRLookupBase.Std()
	for _, mult := range []time.Duration{1, 3, 9} {
		w.sleepFunc(ctx, base*mult)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cs, err = w.client.GetLinkedChangeSet(ctx, item.Repo, item.Number)
		if err != nil {
			w.logger.Warn("change-set lookup after create failed", "item", item.Key(), "error", err)
			continue
		}
		if cs != nil {
			return cs, nil
		}
	}
	return nil, fmt.Errorf("change-set for %s not visible after create", item.Key())
}

// iterate invokes the agent one task at a time until the change-set
// checklist is fully checked, two consecutive reads show no progress, or
// the task list grows past the safety limit. The initial estimate is an
// advisory ceiling only: the loop runs past it as long as the completed
// count keeps increasing.
func (w *Workflow) iterate(ctx context.Context, item board.WorkItem, stage StageConfig, workDir string, cs *board.ChangeSet) (string, error) {
	initialTotal, _ := CountCheckboxes(cs.Body)
	estimate := initialTotal
	if estimate == 0 {
		estimate = fallbackIterationEstimate
	}

	sessionID := w.resumeSession(ctx, item, stage)
	lastDone := -1
	stalls := 0

	for iteration := 1; ; iteration++ {
		fresh, err := w.client.GetLinkedChangeSet(ctx, item.Repo, item.Number)
		if err != nil {
			return sessionID, fmt.Errorf("read task list: %w", err)
		}
		if fresh == nil {
			return sessionID, fmt.Errorf("change-set for %s disappeared", item.Key())
		}
		*cs = *fresh
		total, done := CountCheckboxes(cs.Body)

		if total == 0 {
			return sessionID, &ImplementationIncompleteError{Reason: ReasonNoTasks}
		}
		if done == total {
			w.logger.Info("all tasks complete", "item", item.Key(), "tasks", total)
			return sessionID, nil
		}

		// Stall check runs before the agent: the iteration that produced
		// the repeated count is the last one executed.
		if done == lastDone {
			stalls++
			if stalls >= 2 {
				return sessionID, &ImplementationIncompleteError{Reason: ReasonStall, Completed: done, Total: total}
			}
		} else {
			stalls = 0
		}
		lastDone = done

		if w.cfg.MaxAppendedTasks > 0 && total > initialTotal+w.cfg.MaxAppendedTasks {
			w.logger.Warn("task list grew past safety limit",
				"item", item.Key(), "initial", initialTotal, "now", total, "limit", w.cfg.MaxAppendedTasks)
			return sessionID, &ImplementationIncompleteError{Reason: ReasonSafetyLimit, Completed: done, Total: total}
		}

		if iteration > estimate {
			w.logger.Info("running past initial estimate",
				"item", item.Key(), "iteration", iteration, "estimate", estimate)
		}
		// The estimate is advisory, but an absolute ceiling still exists
		// so a checklist that keeps moving one step forward and one back
		// cannot run forever.
		if iteration > 3*estimate+fallbackIterationEstimate {
			return sessionID, &ImplementationIncompleteError{Reason: ReasonMaxIterations, Completed: done, Total: total}
		}

		req := w.agentRequest(item, stage, workDir, fmt.Sprintf(implementPrompt, item.Repo.Slug(), cs.Number, cs.Branch))
		req.ResumeSessionID = sessionID
		res, err := w.agents.Run(ctx, req)
		if err != nil {
			return sessionID, err
		}
		sessionID = res.SessionID
	}
}

const implementPrompt = `You are implementing pull request %s#%d on branch %s.

Read the PR description's task list. Pick the first unchecked task, implement
it, commit, push, and update the PR description to check that task off with
` + "`gh pr edit`" + `. Do exactly one task, then stop.`

// buildFixPrompt summarizes failing checks for a validation fix round.
func buildFixPrompt(repo string, prNumber int, failing []string) string {
	return fmt.Sprintf(`CI checks failed on pull request %s#%d:

%s

Inspect the failures with `+"`gh run`"+`, fix the underlying problems, commit,
and push to the PR branch.`, repo, prNumber, "- "+strings.Join(failing, "\n- "))
}
