// Package notify delivers operator-facing alerts for events the daemon
// cannot resolve on its own, such as losing connectivity to every ticket
// host.
package notify

import (
	"context"
	"fmt"
	"strings"

	"loom/pkg/board"
)

// Event classifies a structured alert message.
type Event string

// Event constants passed to the notify command's first argument.
const (
	EventHibernation         Event = "HIBERNATION"
	EventHibernationResolved Event = "HIBERNATION_RESOLVED"
	EventPhaseComplete       Event = "PHASE_COMPLETE"
)

// Alerter notifies the operator of daemon-level events. Implementations must
// be safe for concurrent use.
type Alerter interface {
	// TriggerHibernationAlert fires when the daemon enters hibernation.
	// The scheduler calls it exactly once per outage.
	TriggerHibernationAlert(ctx context.Context, detail string) error
	// ResolveHibernationAlert fires when connectivity returns.
	ResolveHibernationAlert(ctx context.Context) error
	// PhaseComplete announces a finished pipeline stage for a ticket.
	PhaseComplete(ctx context.Context, ticket, stage, outcome string) error
}

// FormatAlert produces a structured alert message in the form:
//
//	[LOOM] <EVENT>: <summary>. <details>.
//
// If details is empty the trailing clause is omitted.
func FormatAlert(ev Event, summary, details string) string {
	if details != "" {
		return fmt.Sprintf("[LOOM] %s: %s. %s.", ev, summary, details)
	}
	return fmt.Sprintf("[LOOM] %s: %s.", ev, summary)
}

// ExecAlerter runs an operator-configured command for each alert. The
// command receives the event name and the formatted message as arguments,
// so a one-line shell script can fan out to desktop notifications, chat
// webhooks, or pagers.
type ExecAlerter struct {
	command string
	runner  board.CommandRunner
}

// NewExecAlerter creates an ExecAlerter invoking command for each event.
func NewExecAlerter(command string, runner board.CommandRunner) *ExecAlerter {
	return &ExecAlerter{command: command, runner: runner}
}

func (a *ExecAlerter) send(ctx context.Context, ev Event, msg string) error {
	if _, err := a.runner.Run(ctx, a.command, string(ev), sanitize(msg)); err != nil {
		return fmt.Errorf("notify command %s: %w", a.command, err)
	}
	return nil
}

// TriggerHibernationAlert implements Alerter.
func (a *ExecAlerter) TriggerHibernationAlert(ctx context.Context, detail string) error {
	return a.send(ctx, EventHibernation,
		FormatAlert(EventHibernation, "all ticket hosts unreachable, daemon hibernating", detail))
}

// ResolveHibernationAlert implements Alerter.
func (a *ExecAlerter) ResolveHibernationAlert(ctx context.Context) error {
	return a.send(ctx, EventHibernationResolved,
		FormatAlert(EventHibernationResolved, "connectivity restored, daemon resuming", ""))
}

// PhaseComplete implements Alerter.
func (a *ExecAlerter) PhaseComplete(ctx context.Context, ticket, stage, outcome string) error {
	return a.send(ctx, EventPhaseComplete,
		FormatAlert(EventPhaseComplete, fmt.Sprintf("%s finished %s", ticket, stage), outcome))
}

// sanitize keeps an alert on a single line so terminal-bound notify
// commands stay readable.
func sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return msg
}

// NopAlerter discards all alerts. Used when no notify command is configured.
type NopAlerter struct{}

// TriggerHibernationAlert implements Alerter.
func (NopAlerter) TriggerHibernationAlert(context.Context, string) error { return nil }

// ResolveHibernationAlert implements Alerter.
func (NopAlerter) ResolveHibernationAlert(context.Context) error { return nil }

// PhaseComplete implements Alerter.
func (NopAlerter) PhaseComplete(context.Context, string, string, string) error { return nil }
