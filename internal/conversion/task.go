// Package conversion defines the document conversion task run on pool
// workers and the document formats it understands.
package conversion

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/anvil/internal/backend"
)

// Task converts one document. Its request is fixed at construction and may be
// read concurrently; the result is available once Execute returns nil.
type Task struct {
	req backend.ConvertRequest

	mu     sync.Mutex
	result backend.ConvertResult
	done   bool
}

// Compile-time check that Task satisfies the Task interface.
var _ backend.Task = (*Task)(nil)

// NewTask creates a task for req. The input bytes are copied so later changes
// by the caller cannot reach the worker.
func NewTask(req backend.ConvertRequest) *Task {
	req.Input = slices.Clone(req.Input)
	return &Task{req: req}
}

// Request returns the task's request. Callers must not modify Input.
func (t *Task) Request() backend.ConvertRequest { return t.req }

// Execute runs the conversion on ec.
func (t *Task) Execute(ctx context.Context, ec backend.ExecutionContext) error {
	if !ec.Usable() {
		return fmt.Errorf("%w: execution context is not usable", backend.ErrTaskExecution)
	}
	res, err := ec.Convert(ctx, t.req)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = res
	t.done = true
	return nil
}

// Result returns the conversion result and whether the task completed.
func (t *Task) Result() (backend.ConvertResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.done
}
