package engine

import "fmt"

// IncompleteReason distinguishes why an implementation run stopped short.
type IncompleteReason string

// Incomplete reasons.
const (
	ReasonStall         IncompleteReason = "stall"
	ReasonSafetyLimit   IncompleteReason = "safety_limit"
	ReasonNoTasks       IncompleteReason = "no_tasks"
	ReasonMaxIterations IncompleteReason = "max_iterations"
)

// ImplementationIncompleteError reports that the implementation loop
// terminated without checking off every task. It is fatal to the current
// dispatch and drives a failure marker instead of the generic error path.
type ImplementationIncompleteError struct {
	Reason    IncompleteReason
	Completed int
	Total     int
}

// Error implements the error interface.
func (e *ImplementationIncompleteError) Error() string {
	return fmt.Sprintf("implementation incomplete (%s): %d/%d tasks done", e.Reason, e.Completed, e.Total)
}
