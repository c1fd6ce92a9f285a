package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
)

type poolState int

const (
	poolCreated poolState = iota
	poolStarting
	poolRunning
	poolStopping
	poolStopped
)

func (s poolState) String() string {
	switch s {
	case poolCreated:
		return "created"
	case poolStarting:
		return "starting"
	case poolRunning:
		return "running"
	case poolStopping:
		return "stopping"
	case poolStopped:
		return "stopped"
	}
	return "unknown"
}

// entry is a queued task. queued is true while the entry sits in the queue;
// whoever flips it to false (dispatch, expiry, or shutdown) owns the outcome.
type entry struct {
	id         string
	task       backend.Task
	future     *Future
	enqueuedAt time.Time
	elem       *list.Element
	expiry     *time.Timer
	queued     bool
}

var errTaskPanic = errors.New("task panicked")

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	// mu guards state, every worker's mutable fields, the queue, and changed.
	mu      sync.Mutex
	state   poolState
	workers []*worker
	queue   *list.List
	changed chan struct{} // closed and replaced on every state change

	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup // running tasks
	bg        sync.WaitGroup // worker start and restart goroutines
	stopped   chan struct{}
}

// New creates a pool with one worker per backend. Workers are not started
// until Start is called.
func New(cfg Config, backends []backend.Backend, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if len(backends) == 0 {
		return nil, errors.New("pool requires at least one backend")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		logger:    logger,
		queue:     list.New(),
		changed:   make(chan struct{}),
		runCtx:    runCtx,
		runCancel: cancel,
		stopped:   make(chan struct{}),
	}
	for i, b := range backends {
		p.workers = append(p.workers, newWorker(i, b))
	}
	return p, nil
}

// Start brings every worker up in parallel and returns once at least one of
// them is available. If none becomes available within the startup grace
// period the pool is stopped and an ErrStartup error is returned. Calling
// Start on a started pool is a no-op; calling it after Stop fails.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case poolStarting, poolRunning:
		p.mu.Unlock()
		return nil
	case poolStopping, poolStopped:
		p.mu.Unlock()
		return fmt.Errorf("%w: pool has been stopped", backend.ErrStartup)
	}
	p.state = poolStarting
	for _, w := range p.workers {
		w.state = StateStarting
		p.bg.Add(1)
		go p.startWorker(w)
	}
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Info("starting pool", "workers", len(p.workers), "startup_grace", p.cfg.StartupGrace)

	if err := p.awaitFirstWorker(ctx); err != nil {
		p.logger.Error("pool startup failed", "error", err)
		if stopErr := p.Stop(context.Background()); stopErr != nil {
			p.logger.Error("stop after failed startup", "error", stopErr)
		}
		return fmt.Errorf("%w: %w", backend.ErrStartup, err)
	}

	p.logger.Info("pool started", "available", p.Stats().Available())
	return nil
}

func (p *Pool) awaitFirstWorker(ctx context.Context) error {
	grace := time.NewTimer(p.cfg.StartupGrace)
	defer grace.Stop()

	p.mu.Lock()
	for {
		if p.liveLocked() {
			if p.state == poolStarting {
				p.state = poolRunning
				p.notifyLocked()
			}
			p.mu.Unlock()
			return nil
		}
		if p.state != poolStarting {
			p.mu.Unlock()
			return errors.New("pool stopped during startup")
		}
		if p.allFailedLocked() {
			err := fmt.Errorf("all %d workers failed to start: %s", len(p.workers), p.workers[0].lastErr)
			p.mu.Unlock()
			return err
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-grace.C:
			return fmt.Errorf("no worker became available within %s", p.cfg.StartupGrace)
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
}

// Submit queues a task and returns its Future. It fails immediately with
// ErrRejected when the pool is not accepting work and with
// ErrNoWorkersAvailable when every worker has failed. When the queue is full
// Submit blocks up to the queue timeout for space. A queued task that is not
// assigned to a worker within the queue timeout, measured from the call to
// Submit, completes with ErrRejected.
func (p *Pool) Submit(ctx context.Context, task backend.Task) (*Future, error) {
	if task == nil {
		return nil, errors.New("submit nil task")
	}
	now := time.Now()
	deadline := now.Add(p.cfg.QueueTimeout)

	p.mu.Lock()
	for {
		if err := p.admitLocked(); err != nil {
			p.mu.Unlock()
			tasksTotal.WithLabelValues(outcomeRejected).Inc()
			return nil, err
		}
		if p.queue.Len() < p.cfg.QueueCapacity {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			tasksTotal.WithLabelValues(outcomeRejected).Inc()
			return nil, fmt.Errorf("%w: queue full (%d tasks) for %s", backend.ErrRejected, p.cfg.QueueCapacity, p.cfg.QueueTimeout)
		}
		wait := p.changed
		p.mu.Unlock()

		t := time.NewTimer(remaining)
		select {
		case <-wait:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			tasksTotal.WithLabelValues(outcomeRejected).Inc()
			return nil, fmt.Errorf("%w: %w", backend.ErrRejected, ctx.Err())
		}
		t.Stop()
		p.mu.Lock()
	}

	id := model.NewID()
	e := &entry{
		id:         id,
		task:       task,
		future:     newFuture(id, now),
		enqueuedAt: time.Now(),
		queued:     true,
	}
	e.elem = p.queue.PushBack(e)
	e.expiry = time.AfterFunc(time.Until(deadline), func() { p.expire(e) })
	p.notifyLocked()
	p.dispatchLocked()
	p.mu.Unlock()

	return e.future, nil
}

// Stop shuts the pool down. Queued tasks are rejected, running tasks get the
// shutdown grace period to finish before they are cancelled, and every
// backend is stopped. Stop is one-way; concurrent and repeated calls wait for
// the first to finish.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case poolStopping, poolStopped:
		p.mu.Unlock()
		select {
		case <-p.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case poolCreated:
		p.state = poolStopped
		p.runCancel()
		close(p.stopped)
		p.notifyLocked()
		p.mu.Unlock()
		return nil
	}
	p.state = poolStopping
	p.failQueueLocked(fmt.Errorf("%w: pool is stopping", backend.ErrRejected))
	busy := p.countLocked(StateBusy)
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Info("stopping pool", "in_flight", busy, "shutdown_grace", p.cfg.ShutdownGrace)

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	select {
	case <-drained:
	case <-grace.C:
		p.logger.Warn("shutdown grace elapsed, cancelling running tasks")
	case <-ctx.Done():
		p.logger.Warn("stop context done, cancelling running tasks", "error", ctx.Err())
	}
	grace.Stop()
	p.runCancel()
	<-drained
	p.bg.Wait()

	var g errgroup.Group
	for _, w := range p.workers {
		g.Go(func() error {
			if err := p.stopBackend(ctx, w); err != nil {
				return fmt.Errorf("stop %s: %w", w.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	for _, w := range p.workers {
		w.state = StateStopped
		w.ec = nil
	}
	p.state = poolStopped
	p.notifyLocked()
	p.mu.Unlock()
	close(p.stopped)

	p.logger.Info("pool stopped")
	return err
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	State         string       `json:"state"`
	QueueDepth    int          `json:"queue_depth"`
	QueueCapacity int          `json:"queue_capacity"`
	Workers       []WorkerInfo `json:"workers"`
}

// Available returns the number of workers ready to take a task.
func (s Stats) Available() int {
	n := 0
	for _, w := range s.Workers {
		if w.State == StateAvailable {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the pool and its workers.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		State:         p.state.String(),
		QueueDepth:    p.queue.Len(),
		QueueCapacity: p.cfg.QueueCapacity,
		Workers:       make([]WorkerInfo, 0, len(p.workers)),
	}
	for _, w := range p.workers {
		s.Workers = append(s.Workers, w.info())
	}
	return s
}

// Live reports whether the pool is accepting work and at least one worker is
// available or busy.
func (p *Pool) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == poolRunning && p.liveLocked()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

func (p *Pool) startWorker(w *worker) {
	defer p.bg.Done()

	ec, err := p.bringUp(w)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked(w, ec, err)
}

func (p *Pool) restart(w *worker, reason string) {
	defer p.bg.Done()

	workerRestarts.WithLabelValues(reason).Inc()
	p.logger.Warn("restarting worker", "worker_id", w.id, "reason", reason)

	if err := p.stopBackend(p.runCtx, w); err != nil {
		p.logger.Warn("stop before restart failed", "worker_id", w.id, "error", err)
	}
	ec, err := p.bringUp(w)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		w.restarts++
	}
	p.settleLocked(w, ec, err)
}

// bringUp starts w's backend, retrying with backoff up to MaxRestarts times.
func (p *Pool) bringUp(w *worker) (backend.ExecutionContext, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRestarts; attempt++ {
		// Stop may have run while this restart was pending.
		if err := p.runCtx.Err(); err != nil {
			return nil, err
		}
		if d := p.cfg.backoff(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-p.runCtx.Done():
				t.Stop()
				return nil, p.runCtx.Err()
			}
		}
		if attempt > 0 {
			if err := p.stopBackend(p.runCtx, w); err != nil {
				p.logger.Warn("stop before retry failed", "worker_id", w.id, "error", err)
			}
		}

		ec, err := w.backend.Start(p.runCtx)
		if err == nil {
			p.logger.Info("worker started", "worker_id", w.id, "attempt", attempt+1)
			return ec, nil
		}
		lastErr = err
		p.logger.Warn("worker start attempt failed", "worker_id", w.id, "attempt", attempt+1, "error", err)
		if p.runCtx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", backend.ErrRestartExhausted, w.id, p.cfg.MaxRestarts+1, lastErr)
}

func (p *Pool) stopBackend(ctx context.Context, w *worker) error {
	ctx = context.WithoutCancel(ctx)
	if p.cfg.StopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StopTimeout)
		defer cancel()
	}
	return w.backend.Stop(ctx)
}

// settleLocked records the result of bringing w up.
func (p *Pool) settleLocked(w *worker, ec backend.ExecutionContext, err error) {
	if !p.acceptingLocked() {
		// Stop stops every backend once background work has drained.
		return
	}
	if err != nil {
		w.state = StateFailed
		w.ec = nil
		w.lastErr = err.Error()
		p.logger.Error("worker failed", "worker_id", w.id, "error", err)
		if p.state == poolRunning && p.allFailedLocked() {
			p.failQueueLocked(fmt.Errorf("%w: all %d workers have failed", backend.ErrNoWorkersAvailable, len(p.workers)))
		}
	} else {
		w.state = StateAvailable
		w.ec = ec
		w.taskCount = 0
	}
	p.notifyLocked()
	p.dispatchLocked()
}

// dispatchLocked assigns queued tasks, oldest first, to available workers in
// worker order.
func (p *Pool) dispatchLocked() {
	if !p.acceptingLocked() {
		return
	}
	assigned := 0
	for p.queue.Len() > 0 {
		w := p.nextAvailableLocked()
		if w == nil {
			break
		}
		e := p.queue.Front().Value.(*entry)
		ec, err := w.claim(e.id)
		if err != nil {
			p.logger.Error("claim worker", "worker_id", w.id, "error", err)
			break
		}
		p.removeLocked(e)

		now := time.Now()
		queueWait.Observe(now.Sub(e.enqueuedAt).Seconds())
		e.future.markDispatched(w.id, now)
		p.inflight.Add(1)
		go p.run(w, e, ec)
		assigned++
	}
	if assigned > 0 {
		p.notifyLocked()
	}
}

func (p *Pool) run(w *worker, e *entry, ec backend.ExecutionContext) {
	defer p.inflight.Done()

	ctx, cancel := context.WithTimeout(p.runCtx, p.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	p.logger.Debug("task assigned", "task_id", e.id, "worker_id", w.id)

	// The task runs in its own goroutine so that the deadline is enforced
	// even if the task ignores ctx. An abandoned task loses its execution
	// context when the worker restarts.
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, e.task, ec)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.finish(w, e, ec, p.outcome(ctx, err), time.Since(start))
}

func execute(ctx context.Context, task backend.Task, ec backend.ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %w: %v", backend.ErrTaskExecution, errTaskPanic, r)
		}
	}()
	return task.Execute(ctx, ec)
}

// outcome maps a task's raw result onto the error taxonomy.
func (p *Pool) outcome(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, backend.ErrTaskTimeout):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: exceeded %s", backend.ErrTaskTimeout, p.cfg.TaskTimeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: pool stopped", backend.ErrTaskCancelled)
	case errors.Is(err, backend.ErrTaskExecution):
		return err
	}
	return fmt.Errorf("%w: %w", backend.ErrTaskExecution, err)
}

func (p *Pool) finish(w *worker, e *entry, ec backend.ExecutionContext, err error, elapsed time.Duration) {
	taskDuration.Observe(elapsed.Seconds())
	tasksTotal.WithLabelValues(outcomeLabel(err)).Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	restart, reason := w.release(p.cfg.MaxTasksPerWorker, err, ec)
	if errors.Is(err, backend.ErrTaskCancelled) {
		restart = false
	}
	switch {
	case restart && p.acceptingLocked():
		w.state = StateRestarting
		w.ec = nil
		p.bg.Add(1)
		go p.restart(w, reason)
	case restart:
		w.state = StateRestarting
		w.ec = nil
	default:
		w.state = StateAvailable
	}

	if err != nil {
		w.lastErr = err.Error()
		p.logger.Warn("task failed", "task_id", e.id, "worker_id", w.id, "duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		p.logger.Debug("task completed", "task_id", e.id, "worker_id", w.id, "duration_ms", elapsed.Milliseconds())
	}

	e.future.complete(err)
	p.notifyLocked()
	p.dispatchLocked()
}

func (p *Pool) expire(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !e.queued {
		return
	}
	p.removeLocked(e)
	tasksTotal.WithLabelValues(outcomeRejected).Inc()
	e.future.complete(fmt.Errorf("%w: not dispatched within %s", backend.ErrRejected, p.cfg.QueueTimeout))
	p.notifyLocked()
}

func (p *Pool) admitLocked() error {
	switch p.state {
	case poolCreated:
		return fmt.Errorf("%w: pool not started", backend.ErrRejected)
	case poolStopping, poolStopped:
		return fmt.Errorf("%w: pool is %s", backend.ErrRejected, p.state)
	}
	if p.state == poolRunning && p.allFailedLocked() {
		return fmt.Errorf("%w: all %d workers have failed", backend.ErrNoWorkersAvailable, len(p.workers))
	}
	return nil
}

func (p *Pool) removeLocked(e *entry) {
	p.queue.Remove(e.elem)
	e.queued = false
	e.expiry.Stop()
}

// failQueueLocked completes every queued task with err.
func (p *Pool) failQueueLocked(err error) {
	for p.queue.Len() > 0 {
		e := p.queue.Front().Value.(*entry)
		p.removeLocked(e)
		tasksTotal.WithLabelValues(outcomeRejected).Inc()
		e.future.complete(err)
	}
}

func (p *Pool) acceptingLocked() bool {
	return p.state == poolStarting || p.state == poolRunning
}

func (p *Pool) nextAvailableLocked() *worker {
	for _, w := range p.workers {
		if w.state == StateAvailable {
			return w
		}
	}
	return nil
}

func (p *Pool) liveLocked() bool {
	for _, w := range p.workers {
		if w.state == StateAvailable || w.state == StateBusy {
			return true
		}
	}
	return false
}

func (p *Pool) allFailedLocked() bool {
	for _, w := range p.workers {
		if w.state != StateFailed {
			return false
		}
	}
	return true
}

func (p *Pool) countLocked(s State) int {
	n := 0
	for _, w := range p.workers {
		if w.state == s {
			n++
		}
	}
	return n
}

// notifyLocked wakes every goroutine waiting on a pool change and refreshes
// the pool gauges.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})

	queueDepth.Set(float64(p.queue.Len()))
	for _, s := range allStates {
		workersByState.WithLabelValues(string(s)).Set(float64(p.countLocked(s)))
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, backend.ErrTaskTimeout)
}

func isPanic(err error) bool {
	return errors.Is(err, errTaskPanic)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return outcomeCompleted
	case isTimeout(err):
		return outcomeTimedOut
	case errors.Is(err, backend.ErrTaskCancelled):
		return outcomeCancelled
	}
	return outcomeFailed
}
