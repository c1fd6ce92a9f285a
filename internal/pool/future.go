package pool

import (
	"context"
	"sync"
	"time"
)

// Future is the caller's handle on a submitted task. Its outcome is set
// exactly once, by whichever of dispatch, queue expiry, execution deadline, or
// shutdown happens first.
type Future struct {
	id          string
	submittedAt time.Time

	done         chan struct{}
	dispatched   chan struct{}
	completeOnce sync.Once
	dispatchOnce sync.Once

	// Written before the corresponding channel is closed.
	workerID   string
	startedAt  time.Time
	err        error
	finishedAt time.Time
}

func newFuture(id string, now time.Time) *Future {
	return &Future{
		id:          id,
		submittedAt: now,
		done:        make(chan struct{}),
		dispatched:  make(chan struct{}),
	}
}

// ID returns the identifier assigned to the task at submission.
func (f *Future) ID() string { return f.id }

// SubmittedAt returns when the task was submitted.
func (f *Future) SubmittedAt() time.Time { return f.submittedAt }

// Done is closed once the task's outcome is known.
func (f *Future) Done() <-chan struct{} { return f.done }

// Dispatched is closed when the task is assigned to a worker. It is never
// closed for tasks that are rejected while queued.
func (f *Future) Dispatched() <-chan struct{} { return f.dispatched }

// WorkerID returns the worker the task was assigned to, or "" if it has not
// been dispatched.
func (f *Future) WorkerID() string {
	select {
	case <-f.dispatched:
		return f.workerID
	default:
		return ""
	}
}

// StartedAt returns when the task was assigned to a worker.
func (f *Future) StartedAt() time.Time {
	select {
	case <-f.dispatched:
		return f.startedAt
	default:
		return time.Time{}
	}
}

// Err returns the task's outcome. It returns nil until Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done. It returns the task's
// outcome, or ctx.Err() if ctx ended first; the task keeps running either way.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) markDispatched(workerID string, at time.Time) {
	f.dispatchOnce.Do(func() {
		f.workerID = workerID
		f.startedAt = at
		close(f.dispatched)
	})
}

// complete records the outcome; later calls are ignored. It reports whether
// this call set the outcome.
func (f *Future) complete(err error) bool {
	set := false
	f.completeOnce.Do(func() {
		f.err = err
		f.finishedAt = time.Now()
		close(f.done)
		set = true
	})
	return set
}
