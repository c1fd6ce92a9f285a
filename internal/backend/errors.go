package backend

import "errors"

// Pool and worker failures. Every error surfaced by a pool wraps exactly one
// of these so callers can classify outcomes with errors.Is.
var (
	// ErrStartup reports that a pool or a worker failed to become ready.
	ErrStartup = errors.New("startup failed")

	// ErrRejected reports that a task was not admitted, or was not dispatched
	// before its queue timeout elapsed.
	ErrRejected = errors.New("task rejected")

	// ErrTaskTimeout reports that a task exceeded its execution deadline.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrTaskExecution reports that a task itself failed.
	ErrTaskExecution = errors.New("task execution failed")

	// ErrTaskCancelled reports that a running task was cancelled because the
	// pool shut down before it finished.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrRestartExhausted reports that a worker could not be restarted
	// within its restart budget.
	ErrRestartExhausted = errors.New("worker restart attempts exhausted")

	// ErrNoWorkersAvailable reports that every worker in the pool has failed.
	ErrNoWorkersAvailable = errors.New("no workers available")
)
