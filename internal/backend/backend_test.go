package backend_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/seantiz/anvil/internal/backend"
)

// echoContext is a minimal ExecutionContext that returns its input unchanged.
type echoContext struct{}

func (echoContext) Convert(_ context.Context, req backend.ConvertRequest) (backend.ConvertResult, error) {
	return backend.ConvertResult{Output: req.Input}, nil
}

func (echoContext) Usable() bool { return true }

// Compile-time check that echoContext satisfies the ExecutionContext interface.
var _ backend.ExecutionContext = echoContext{}

func TestTaskFuncExecute(t *testing.T) {
	var got []byte
	task := backend.TaskFunc(func(ctx context.Context, ec backend.ExecutionContext) error {
		res, err := ec.Convert(ctx, backend.ConvertRequest{Input: []byte("hello"), TargetFormat: "pdf"})
		if err != nil {
			return err
		}
		got = res.Output
		return nil
	})

	if err := task.Execute(context.Background(), echoContext{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("output = %q, want %q", got, "hello")
	}
}

func TestTaskFuncPropagatesError(t *testing.T) {
	want := errors.New("boom")
	task := backend.TaskFunc(func(context.Context, backend.ExecutionContext) error { return want })

	if err := task.Execute(context.Background(), echoContext{}); !errors.Is(err, want) {
		t.Errorf("Execute error = %v, want %v", err, want)
	}
}

func TestErrorsAreDistinct(t *testing.T) {
	all := []error{
		backend.ErrStartup,
		backend.ErrRejected,
		backend.ErrTaskTimeout,
		backend.ErrTaskExecution,
		backend.ErrTaskCancelled,
		backend.ErrRestartExhausted,
		backend.ErrNoWorkersAvailable,
	}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v unexpectedly matches %v", a, b)
			}
		}
	}
}

func TestErrorsSurviveWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("%w: worker-0: %w", backend.ErrRestartExhausted, cause)

	if !errors.Is(err, backend.ErrRestartExhausted) {
		t.Error("wrapped error lost ErrRestartExhausted")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}
}
