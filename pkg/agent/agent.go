// Package agent runs the external reasoning agent as a subprocess and
// reports its outcome. The production runner spawns `claude -p` with
// stream-json output; both a total timeout and an inactivity timeout bound
// every invocation, whichever fires first kills the process group.
package agent

import (
	"context"
	"fmt"
	"time"
)

// Request describes one agent invocation.
type Request struct {
	Prompt            string
	WorkDir           string
	Model             string
	Timeout           time.Duration // total wall-clock budget
	InactivityTimeout time.Duration // max silence on stdout
	ResumeSessionID   string        // resume a prior conversation when set
}

// Usage carries token/cost metrics extracted from the agent's result event.
type Usage struct {
	InputTokens  int
	OutputTokens int
	NumTurns     int
	CostUSD      float64
}

// Result is the outcome of a successful agent run.
type Result struct {
	Response  string
	SessionID string
	Usage     Usage
}

// Runner is the reasoning-agent collaborator contract.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// TimeoutKind distinguishes the two timeout modes.
type TimeoutKind string

// Timeout kinds.
const (
	TimeoutTotal      TimeoutKind = "total"
	TimeoutInactivity TimeoutKind = "inactivity"
)

// TimeoutError reports that an agent run was killed by a timeout. It is
// fatal to the current stage dispatch and is not retried automatically.
type TimeoutError struct {
	Kind  TimeoutKind
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s timeout after %s", e.Kind, e.After)
}

// ExecError reports a non-zero exit or an unparseable agent response.
type ExecError struct {
	Err    error
	Stderr string
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent execution failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("agent execution failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecError) Unwrap() error { return e.Err }
