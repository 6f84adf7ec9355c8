package engine

import (
	"context"
	"log/slog"

	"loom/pkg/board"
	"loom/pkg/config"
)

// YOLOController advances work items whose current stage is already
// complete, without waiting for a human status change. Every advance is a
// human-visible status mutation, so the controller is fail-closed: any
// doubt about live label state silently skips the advance.
type YOLOController struct {
	client   board.Client
	cfg      *config.Config
	policies *config.PolicyStore
	logger   *slog.Logger
}

// NewYOLOController wires the controller.
func NewYOLOController(client board.Client, cfg *config.Config, policies *config.PolicyStore, logger *slog.Logger) *YOLOController {
	if logger == nil {
		logger = slog.Default()
	}
	if policies == nil {
		policies = config.NewPolicyStore()
	}
	return &YOLOController{client: client, cfg: cfg, policies: policies, logger: logger}
}

func (y *YOLOController) actorAllowed(username string) bool {
	return actorInList(username, y.cfg, y.policies)
}

// freshHasLabel reads the live label set, bypassing the poll-cycle cache,
// and reports whether label is present. Read errors count as absent.
func (y *YOLOController) freshHasLabel(ctx context.Context, item board.WorkItem, label string) bool {
	labels, err := y.client.GetLabels(ctx, item.Repo, item.Number)
	if err != nil {
		y.logger.Warn("fresh label read failed, skipping advance",
			"item", item.Key(), "label", label, "error", err)
		return false
	}
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// ShouldAdvance reports whether the item is eligible for auto-progression.
// The cheap checks run against the cached snapshot; only when they all pass
// is a fresh label read issued to rule out removal since the poll.
func (y *YOLOController) ShouldAdvance(ctx context.Context, item board.WorkItem) bool {
	if !item.HasLabel(LabelYOLO) {
		return false
	}
	if !item.Open {
		return false
	}
	if item.Status == StatusBacklog {
		// Backlog bootstrap is the scheduler's pass, not auto-progression.
		return false
	}
	if _, ok := autoProgression[item.Status]; !ok {
		return false
	}
	stage, ok := StageFor(item.Status)
	if !ok || stage.CompleteLabel == "" {
		return false
	}
	if !item.HasLabel(stage.CompleteLabel) {
		return false
	}
	return y.freshHasLabel(ctx, item, LabelYOLO)
}

// Advance moves the item to the next status. Dispatch is asynchronous, so a
// second race window exists between ShouldAdvance and here; the progression
// label is re-read fresh and its actor checked against the allow-list
// before the status mutates.
func (y *YOLOController) Advance(ctx context.Context, item board.WorkItem) error {
	next, ok := autoProgression[item.Status]
	if !ok {
		return nil
	}
	if !y.freshHasLabel(ctx, item, LabelYOLO) {
		y.logger.Info("progression label gone, skipping advance", "item", item.Key())
		return nil
	}
	actor, err := y.client.GetLabelActor(ctx, item.Repo, item.Number, LabelYOLO)
	if err != nil {
		y.logger.Warn("progression label actor lookup failed, skipping advance",
			"item", item.Key(), "error", err)
		return nil
	}
	if !y.actorAllowed(actor) {
		y.logger.Info("progression label applied by unlisted actor, skipping advance",
			"item", item.Key(), "actor", actor)
		return nil
	}

	if err := y.client.UpdateStatus(ctx, item, next); err != nil {
		y.fail(ctx, item)
		return err
	}
	y.logger.Info("auto-progressed", "item", item.Key(), "from", item.Status, "to", next)
	return nil
}

// fail swaps the progression label for the failure variant so the
// automation visibly stops instead of looping.
func (y *YOLOController) fail(ctx context.Context, item board.WorkItem) {
	if err := y.client.RemoveLabel(ctx, item.Repo, item.Number, LabelYOLO); err != nil {
		y.logger.Warn("remove progression label failed", "item", item.Key(), "error", err)
	}
	if err := y.client.AddLabel(ctx, item.Repo, item.Number, LabelYOLOFailed); err != nil {
		y.logger.Warn("apply progression failure label failed", "item", item.Key(), "error", err)
	}
}
