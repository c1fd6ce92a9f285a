package pool_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/pool"
)

// fakeContext is an ExecutionContext whose usability tests can flip.
type fakeContext struct {
	broken atomic.Bool
}

func (c *fakeContext) Convert(_ context.Context, req backend.ConvertRequest) (backend.ConvertResult, error) {
	if c.broken.Load() {
		return backend.ConvertResult{}, errors.New("bridge closed")
	}
	return backend.ConvertResult{Output: req.Input}, nil
}

func (c *fakeContext) Usable() bool { return !c.broken.Load() }

// fakeBackend counts lifecycle calls. startHook, when set, is called with the
// 1-based start number and its error is returned from Start.
type fakeBackend struct {
	slot      int
	startHook func(ctx context.Context, n int) error

	mu     sync.Mutex
	starts int
	stops  int
	ctx    *fakeContext
}

func (f *fakeBackend) Start(ctx context.Context) (backend.ExecutionContext, error) {
	f.mu.Lock()
	f.starts++
	n := f.starts
	hook := f.startHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, n); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx = &fakeContext{}
	return f.ctx, nil
}

func (f *fakeBackend) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeBackend) Describe() backend.Description {
	return backend.Description{Kind: "fake"}
}

func (f *fakeBackend) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeBackend) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func testConfig() pool.Config {
	return pool.Config{
		QueueCapacity:     16,
		QueueTimeout:      5 * time.Second,
		TaskTimeout:       5 * time.Second,
		StartupGrace:      2 * time.Second,
		ShutdownGrace:     2 * time.Second,
		StopTimeout:       time.Second,
		MaxRestarts:       1,
		MaxTasksPerWorker: 0,
		RestartBackoff:    time.Millisecond,
		MaxRestartBackoff: 10 * time.Millisecond,
	}
}

// newTestPool builds an unstarted pool of n fake workers. The pool is
// stopped on test cleanup.
func newTestPool(t *testing.T, cfg pool.Config, n int, hook func(slot int) func(ctx context.Context, n int) error) (*pool.Pool, []*fakeBackend) {
	t.Helper()

	fakes := make([]*fakeBackend, n)
	backends := make([]backend.Backend, n)
	for i := range n {
		fakes[i] = &fakeBackend{slot: i}
		if hook != nil {
			fakes[i].startHook = hook(i)
		}
		backends[i] = fakes[i]
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	p, err := pool.New(cfg, backends, logger)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p, fakes
}

func startTestPool(t *testing.T, cfg pool.Config, n int) (*pool.Pool, []*fakeBackend) {
	t.Helper()
	p, fakes := newTestPool(t, cfg, n, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return p.Stats().Available() == n })
	return p, fakes
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitResult(t *testing.T, f *pool.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("task %s did not complete", f.ID())
	}
	return err
}

func workerState(p *pool.Pool, id string) pool.WorkerInfo {
	for _, w := range p.Stats().Workers {
		if w.ID == id {
			return w
		}
	}
	return pool.WorkerInfo{}
}

func sleepTask(d time.Duration) backend.Task {
	return backend.TaskFunc(func(ctx context.Context, _ backend.ExecutionContext) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// gateTask blocks until gate is closed, ignoring its context.
func gateTask(gate <-chan struct{}) backend.Task {
	return backend.TaskFunc(func(context.Context, backend.ExecutionContext) error {
		<-gate
		return nil
	})
}
