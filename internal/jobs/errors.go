package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the store and orchestrator. The HTTP layer
// branches on these with errors.Is/As to pick response codes.
var (
	// ErrInvalidParams rejects a submission before any job is created.
	ErrInvalidParams = errors.New("invalid crawl parameters")
	// ErrNotFound reports an unknown job ID, including state lost to a
	// process restart.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady means the result was requested before the job finished.
	// It is a retry signal, not a failure.
	ErrNotReady = errors.New("job is still running")
	// ErrDuplicateID indicates an ID collision on create. The generator makes
	// this unreachable in practice; observing it means a generator defect.
	ErrDuplicateID = errors.New("job id already exists")
	// ErrAlreadyTerminal guards against a second terminal write. It is a
	// logic error in the caller, never a user-facing condition.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	// ErrSaturated is returned by Submit when bounded admission is enabled
	// and all slots are busy.
	ErrSaturated = errors.New("too many jobs in flight")
)

// FailedError wraps the recorded failure reason when the result of a failed
// job is requested.
type FailedError struct {
	Reason string
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	return fmt.Sprintf("job failed: %s", e.Reason)
}
