package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/conversion"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/store"
)

// workerHistorySize is the number of recent output lines kept per worker.
const workerHistorySize = 200

// ErrUnsupportedFormat is returned for a target format the converter cannot
// produce from the input.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Pool is the part of the worker pool the engine submits to.
type Pool interface {
	Submit(ctx context.Context, task backend.Task) (*pool.Future, error)
}

// Request describes a document to convert.
type Request struct {
	Filename      string
	SourceFormat  string
	TargetFormat  string
	FilterOptions string
	Input         []byte
}

// Engine orchestrates conversions on the pool.
type Engine struct {
	store   store.Store
	pool    Pool
	logger  *slog.Logger
	wg      sync.WaitGroup
	broker  *LogBroker
	workers *LogBroker
}

// NewEngine creates a new conversion engine.
func NewEngine(s store.Store, p Pool, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		pool:    p,
		logger:  logger,
		broker:  NewLogBroker(0),
		workers: NewLogBroker(workerHistorySize),
	}
}

// Broker returns the per-conversion log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// WorkerLogs returns the per-worker process output broker. Topics are worker
// IDs.
func (e *Engine) WorkerLogs() *LogBroker {
	return e.workers
}

// WorkerOutput publishes one line of a worker's process output. It matches
// the output sink signature of the process-backed backends.
func (e *Engine) WorkerOutput(slot int, line string) {
	e.workers.Publish(pool.WorkerID(slot), line)
}

// prepare normalizes req and validates the format pair.
func prepare(req Request) (backend.ConvertRequest, error) {
	target := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.TargetFormat), "."))
	if target == "" {
		return backend.ConvertRequest{}, fmt.Errorf("%w: target format is required", ErrUnsupportedFormat)
	}
	if _, ok := conversion.ByExtension(target); !ok {
		return backend.ConvertRequest{}, fmt.Errorf("%w: unknown target format %q", ErrUnsupportedFormat, target)
	}

	source := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.SourceFormat), "."))
	if source == "" {
		if f, ok := conversion.ByFilename(req.Filename); ok {
			source = f.Extension()
		}
	}

	filter := req.FilterOptions
	if src, ok := conversion.ByExtension(source); ok && src.Family != "" {
		storeFilter, ok := conversion.StoreFilter(source, target)
		if !ok {
			return backend.ConvertRequest{}, fmt.Errorf("%w: cannot convert %s to %s", ErrUnsupportedFormat, source, target)
		}
		if filter == "" {
			filter = storeFilter
		}
	}

	return backend.ConvertRequest{
		Filename:      req.Filename,
		SourceFormat:  source,
		TargetFormat:  target,
		FilterOptions: filter,
		Input:         req.Input,
	}, nil
}

// Submit records a pending conversion and queues it on the pool. The record
// is updated in the background as the conversion progresses. If the pool
// refuses the task, the record is marked accordingly and the pool's error
// is returned along with it.
func (e *Engine) Submit(ctx context.Context, req Request) (*model.Conversion, error) {
	creq, err := prepare(req)
	if err != nil {
		return nil, err
	}

	c := &model.Conversion{
		ID:            model.NewID(),
		Status:        model.StatusPending,
		Filename:      creq.Filename,
		SourceFormat:  creq.SourceFormat,
		TargetFormat:  creq.TargetFormat,
		FilterOptions: creq.FilterOptions,
		InputSize:     int64(len(creq.Input)),
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.CreateConversion(ctx, c); err != nil {
		return nil, fmt.Errorf("create conversion: %w", err)
	}

	id := c.ID
	creq.LogWriter = func(line string) { e.broker.Publish(id, line) }
	task := conversion.NewTask(creq)

	f, err := e.pool.Submit(ctx, task)
	if err != nil {
		e.broker.Close(id)
		e.finish(id, nil, task, err)
		c.Status = statusFor(err)
		c.Error = err.Error()
		return c, err
	}

	e.wg.Go(func() {
		e.track(id, task, f)
	})

	return c, nil
}

// Convert runs a conversion synchronously without recording it. It returns
// when the conversion completes or ctx is done.
func (e *Engine) Convert(ctx context.Context, req Request) (backend.ConvertResult, error) {
	creq, err := prepare(req)
	if err != nil {
		return backend.ConvertResult{}, err
	}
	task := conversion.NewTask(creq)

	f, err := e.pool.Submit(ctx, task)
	if err != nil {
		return backend.ConvertResult{}, err
	}
	if err := f.Wait(ctx); err != nil {
		return backend.ConvertResult{}, err
	}
	res, _ := task.Result()
	return res, nil
}

// Wait blocks until all tracked conversions reach a terminal state.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// track follows a queued conversion: pending→running→completed/failed/timed_out.
func (e *Engine) track(id string, task *conversion.Task, f *pool.Future) {
	// Close the log stream when the conversion finishes, regardless of outcome.
	defer e.broker.Close(id)

	select {
	case <-f.Dispatched():
	case <-f.Done():
	}

	if started := f.StartedAt(); !started.IsZero() {
		wait := started.Sub(f.SubmittedAt()).Milliseconds()
		startedAt := started.UTC()
		if err := e.store.UpdateConversion(context.Background(), &model.Conversion{
			ID:          id,
			Status:      model.StatusRunning,
			WorkerID:    f.WorkerID(),
			QueueWaitMS: &wait,
			StartedAt:   &startedAt,
		}); err != nil {
			e.logger.Error("failed to transition to running", "conversion_id", id, "error", err)
		}
	}

	<-f.Done()
	e.finish(id, f, task, f.Err())
}

// finish records the terminal state of a conversion. f is nil when the pool
// refused the task.
func (e *Engine) finish(id string, f *pool.Future, task *conversion.Task, err error) {
	now := time.Now().UTC()
	c := &model.Conversion{
		ID:         id,
		Status:     statusFor(err),
		FinishedAt: &now,
	}

	if f != nil {
		if started := f.StartedAt(); !started.IsZero() {
			d := now.Sub(started).Milliseconds()
			c.DurationMS = &d
		}
	}

	if err != nil {
		c.Error = err.Error()
		e.logger.Warn("conversion failed", "conversion_id", id, "status", c.Status, "error", err)
	} else {
		res, _ := task.Result()
		c.Output = res.Output
		c.OutputSize = int64(len(res.Output))
		// Prefer the duration reported by the converter.
		if res.DurationMS > 0 {
			d := int64(res.DurationMS)
			c.DurationMS = &d
		}
		e.logger.Info("conversion completed", "conversion_id", id, "bytes", c.OutputSize)
	}

	if err := e.store.UpdateConversion(context.Background(), c); err != nil {
		e.logger.Error("failed to record conversion result", "conversion_id", id, "status", c.Status, "error", err)
	}
}

// statusFor maps a pool outcome onto a conversion status.
func statusFor(err error) string {
	switch {
	case err == nil:
		return model.StatusCompleted
	case errors.Is(err, backend.ErrRejected), errors.Is(err, backend.ErrNoWorkersAvailable):
		return model.StatusRejected
	case errors.Is(err, backend.ErrTaskTimeout):
		return model.StatusTimedOut
	case errors.Is(err, backend.ErrTaskCancelled):
		return model.StatusCancelled
	default:
		return model.StatusFailed
	}
}
