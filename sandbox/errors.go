package sandbox

import "errors"

// Sentinel errors returned by sessions and pools. Non-zero command exit
// codes are not errors; they travel in ConsoleOutput.ExitCode.
var (
	// ErrSessionNotOpen is returned when a command or copy is attempted on a
	// session that was never opened or has been closed.
	ErrSessionNotOpen = errors.New("session is not open")

	// ErrSessionAlreadyOpen is returned by Open on a session that is open.
	ErrSessionAlreadyOpen = errors.New("session is already open")

	// ErrExecutionInFlight is returned when a second command is dispatched
	// while one is still running on the same session.
	ErrExecutionInFlight = errors.New("another execution is in flight")

	// ErrExecutionTimeout is returned when a command exceeds its time bound.
	// Output accumulated before the timeout is discarded and the session is
	// no longer safe to reuse.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrPoolExhausted is returned by Acquire when no session became free
	// within the configured wait bound.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrPoolClosed is returned by Acquire after the pool has been closed.
	ErrPoolClosed = errors.New("session pool is closed")

	// ErrLeaseReleased is returned when a pooled session is used after it
	// was released back to the pool.
	ErrLeaseReleased = errors.New("pooled session already released")

	// ErrNoCommands is returned by ExecuteCommands for an empty command list.
	ErrNoCommands = errors.New("no commands provided")
)

// isFatalSessionError reports whether an error observed during a lease makes
// the underlying session unsafe to hand out again. Argument validation
// failures leave the container untouched; everything else (timeouts, runtime
// failures, canceled executions) may leave processes or state behind, so the
// pool discards the session instead of returning it to the free set.
func isFatalSessionError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNoCommands)
}
