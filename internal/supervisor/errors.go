package supervisor

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by caller-invoked operations. Background paths
// (health probes, exit callbacks, recovery attempts) never propagate errors
// out of the supervisor; they only update session state and emit events.
var (
	// ErrNotFound indicates an unknown session ID.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExists indicates a conflicting session ID at creation.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrToolUnavailable indicates the CLI registry reports the session's
	// CLI kind as not runnable.
	ErrToolUnavailable = errors.New("cli tool not available")

	// ErrRecoveryExhausted indicates the restart ceiling was reached. It is
	// logged, never returned to callers.
	ErrRecoveryExhausted = errors.New("restart attempts exhausted")

	// ErrShuttingDown indicates the supervisor is shutting down.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// SpawnError wraps a process launch failure with the session context.
type SpawnError struct {
	SessionID string
	CLIType   string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s session %s: %v", e.CLIType, e.SessionID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
