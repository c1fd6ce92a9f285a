package backend

import "context"

// Task is a unit of work executed by exactly one worker. A task must not be
// mutated after it has been submitted to a pool.
type Task interface {
	// Execute performs the work using the execution context of the worker the
	// task was assigned to. The context carries the per-task deadline.
	Execute(ctx context.Context, ec ExecutionContext) error
}

// TaskFunc adapts an ordinary function to the Task interface.
type TaskFunc func(ctx context.Context, ec ExecutionContext) error

// Execute calls f(ctx, ec).
func (f TaskFunc) Execute(ctx context.Context, ec ExecutionContext) error {
	return f(ctx, ec)
}

// ExecutionContext is what a task receives from its worker. Local, remote,
// and microVM workers all expose the same capability so tasks never need to
// know which variant runs them.
type ExecutionContext interface {
	// Convert transforms the request input into the target format.
	Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error)

	// Usable reports whether the context can be handed to another task. A
	// worker whose context is no longer usable is restarted.
	Usable() bool
}

// Backend is the lifecycle half of a worker: it produces an ExecutionContext
// on Start and releases everything it holds on Stop. Start and Stop are only
// ever called by the owning worker, never concurrently.
type Backend interface {
	// Start brings the backing resource up and returns a context that is
	// ready to accept work.
	Start(ctx context.Context) (ExecutionContext, error)

	// Stop releases the backing resource. Stop on a backend that is not
	// running must succeed.
	Stop(ctx context.Context) error

	// Describe reports static and runtime details for status endpoints.
	Describe() Description
}

// Factory builds the backend for one worker slot. The slot index is stable
// across restarts so backends can derive per-worker resource names from it.
type Factory func(slot int) (Backend, error)

// Description identifies a running backend.
type Description struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	PID    int    `json:"pid,omitempty"`
}

// ConvertRequest describes a single document conversion.
type ConvertRequest struct {
	Filename      string `json:"filename"`
	SourceFormat  string `json:"source_format,omitempty"`
	TargetFormat  string `json:"target_format"`
	FilterOptions string `json:"filter_options,omitempty"`
	Input         []byte `json:"input"`

	// LogWriter is an optional callback invoked with each line of converter
	// output while the conversion runs.
	LogWriter func(line string) `json:"-"`
}

// ConvertResult holds the converted document.
type ConvertResult struct {
	Output     []byte   `json:"output"`
	DurationMS int      `json:"duration_ms"`
	LogLines   []string `json:"log_lines,omitempty"`
}
