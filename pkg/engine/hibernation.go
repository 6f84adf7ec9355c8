package engine

import (
	"context"
	"fmt"
	"log/slog"

	"loom/pkg/board"
	"loom/pkg/notify"
)

// HibernationController tracks connectivity to the ticket hosts. When every
// probe fails with a network classification the daemon hibernates: polling
// stops and the operator is alerted exactly once per outage. Non-network
// probe failures (auth, config) mean connectivity is fine and something
// else is wrong; they propagate to the caller instead.
type HibernationController struct {
	client  board.Client
	alerter notify.Alerter
	logger  *slog.Logger

	hibernating bool
}

// NewHibernationController wires the controller. A nil logger falls back to
// slog.Default; a nil alerter falls back to the no-op alerter.
func NewHibernationController(client board.Client, alerter notify.Alerter, logger *slog.Logger) *HibernationController {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = notify.NopAlerter{}
	}
	return &HibernationController{client: client, alerter: alerter, logger: logger}
}

// Hibernating reports whether the controller is currently in hibernation.
func (h *HibernationController) Hibernating() bool { return h.hibernating }

// CheckConnectivity probes every distinct host and updates the hibernation
// state. It returns (true, nil) when polling may proceed, (false, nil) when
// the daemon is (still) hibernating, and (false, err) on a non-network
// probe failure.
func (h *HibernationController) CheckConnectivity(ctx context.Context, hosts []string) (bool, error) {
	var firstNetErr error
	failed := 0
	for _, host := range hosts {
		err := h.client.ValidateConnection(ctx, host)
		if err == nil {
			continue
		}
		if !board.IsNetworkError(err) {
			return false, fmt.Errorf("health probe %s: %w", host, err)
		}
		h.logger.Warn("host unreachable", "host", host, "error", err)
		failed++
		if firstNetErr == nil {
			firstNetErr = err
		}
	}

	switch {
	case len(hosts) > 0 && failed == len(hosts):
		h.enter(ctx, firstNetErr)
	case failed == 0:
		h.exit(ctx)
	}
	// A partial outage keeps the current state: per-board fetch errors are
	// tolerated by the poll cycle.
	return !h.hibernating, nil
}

// enter transitions to hibernation; re-entering is a no-op so one outage
// produces one alert.
func (h *HibernationController) enter(ctx context.Context, cause error) {
	if h.hibernating {
		return
	}
	h.hibernating = true
	h.logger.Warn("entering hibernation", "cause", cause)
	if err := h.alerter.TriggerHibernationAlert(ctx, cause.Error()); err != nil {
		h.logger.Warn("hibernation alert failed", "error", err)
	}
}

// exit leaves hibernation; also idempotent.
func (h *HibernationController) exit(ctx context.Context) {
	if !h.hibernating {
		return
	}
	h.hibernating = false
	h.logger.Info("leaving hibernation")
	if err := h.alerter.ResolveHibernationAlert(ctx); err != nil {
		h.logger.Warn("hibernation resolve failed", "error", err)
	}
}
