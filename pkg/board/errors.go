package board

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// NetworkError wraps a transport-level failure talking to the ticket host.
// The engine retries these with backoff and lets the health probe drive
// hibernation; all other errors propagate as-is.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network failure: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// networkFailureHints are substrings of CLI stderr output that indicate a
// transport failure rather than an API-level rejection. The gh CLI does not
// expose a structured error class, so classification is textual.
var networkFailureHints = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"network is unreachable",
	"tls handshake timeout",
	"temporary failure in name resolution",
	"502 bad gateway",
	"503 service unavailable",
	"504 gateway timeout",
	"error connecting to",
}

// classify wraps err as a *NetworkError when it looks like a transport
// failure, and returns it unchanged otherwise.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Op: op, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range networkFailureHints {
		if strings.Contains(msg, hint) {
			return &NetworkError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
