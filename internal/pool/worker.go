package pool

import (
	"fmt"

	"github.com/seantiz/anvil/internal/backend"
)

// State is a worker lifecycle state.
type State string

// Worker lifecycle states. Transitions:
//
//	STOPPED -> STARTING -> AVAILABLE <-> BUSY -> RESTARTING -> AVAILABLE | FAILED
const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateAvailable  State = "available"
	StateBusy       State = "busy"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

var allStates = []State{StateStopped, StateStarting, StateAvailable, StateBusy, StateRestarting, StateFailed}

// worker pairs a backend with its lifecycle state. All fields except id,
// slot, and backend are guarded by the owning pool's mutex.
type worker struct {
	id      string
	slot    int
	backend backend.Backend

	state      State
	ec         backend.ExecutionContext
	taskCount  int // since the last successful start
	totalTasks int
	restarts   int
	lastErr    string
	current    string // id of the running task
}

// WorkerID returns the identifier of the worker in the given slot.
func WorkerID(slot int) string {
	return fmt.Sprintf("worker-%d", slot)
}

func newWorker(slot int, b backend.Backend) *worker {
	return &worker{
		id:      WorkerID(slot),
		slot:    slot,
		backend: b,
		state:   StateStopped,
	}
}

// claim moves an available worker to BUSY for the given task and returns the
// execution context the task will use.
func (w *worker) claim(taskID string) (backend.ExecutionContext, error) {
	if w.state != StateAvailable || w.ec == nil {
		return nil, fmt.Errorf("worker %s is %s", w.id, w.state)
	}
	w.state = StateBusy
	w.current = taskID
	return w.ec, nil
}

// release ends the current task and decides whether the worker must be
// restarted before taking more work. A timeout or a panic always restarts it.
// Any other task error restarts it only when ec no longer reports itself
// usable: a conversion the backend rejected leaves a healthy process behind,
// so the worker returns to AVAILABLE. Every released task counts towards
// maxTasks, failed ones included.
func (w *worker) release(maxTasks int, err error, ec backend.ExecutionContext) (restart bool, reason string) {
	w.current = ""
	w.totalTasks++
	w.taskCount++

	switch {
	case err != nil && isTimeout(err):
		return true, "timeout"
	case err != nil && isPanic(err):
		return true, "panic"
	case err != nil && !ec.Usable():
		return true, "unusable"
	case maxTasks > 0 && w.taskCount >= maxTasks:
		return true, "max_tasks"
	}
	return false, ""
}

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	ID          string              `json:"id"`
	State       State               `json:"state"`
	TaskCount   int                 `json:"task_count"`
	TotalTasks  int                 `json:"total_tasks"`
	Restarts    int                 `json:"restarts"`
	CurrentTask string              `json:"current_task,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	Backend     backend.Description `json:"backend"`
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		ID:          w.id,
		State:       w.state,
		TaskCount:   w.taskCount,
		TotalTasks:  w.totalTasks,
		Restarts:    w.restarts,
		CurrentTask: w.current,
		LastError:   w.lastErr,
		Backend:     w.backend.Describe(),
	}
}
