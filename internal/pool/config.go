package pool

import (
	"errors"
	"fmt"
	"time"
)

// Config controls pool admission, timeouts, and worker recovery.
type Config struct {
	// QueueCapacity bounds the number of tasks waiting for a worker.
	QueueCapacity int

	// QueueTimeout bounds how long a submission may wait for queue space and
	// then for a worker. A task still queued when it elapses is rejected.
	QueueTimeout time.Duration

	// TaskTimeout bounds a task's execution from the moment it is assigned.
	TaskTimeout time.Duration

	// StartupGrace bounds how long Start waits for the first worker.
	StartupGrace time.Duration

	// ShutdownGrace bounds how long Stop waits for running tasks before
	// cancelling them.
	ShutdownGrace time.Duration

	// StopTimeout bounds a single backend Stop call.
	StopTimeout time.Duration

	// MaxRestarts caps consecutive failed start attempts of one worker
	// beyond the first. Zero means a worker gets exactly one attempt.
	MaxRestarts int

	// MaxTasksPerWorker restarts a worker proactively after it has completed
	// this many tasks. Zero disables the policy.
	MaxTasksPerWorker int

	// RestartBackoff is the delay before the second start attempt; it doubles
	// on each further attempt up to MaxRestartBackoff.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:     64,
		QueueTimeout:      30 * time.Second,
		TaskTimeout:       120 * time.Second,
		StartupGrace:      60 * time.Second,
		ShutdownGrace:     30 * time.Second,
		StopTimeout:       10 * time.Second,
		MaxRestarts:       3,
		MaxTasksPerWorker: 200,
		RestartBackoff:    250 * time.Millisecond,
		MaxRestartBackoff: 5 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.QueueCapacity <= 0:
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	case c.QueueTimeout <= 0:
		return errors.New("queue timeout must be positive")
	case c.TaskTimeout <= 0:
		return errors.New("task timeout must be positive")
	case c.StartupGrace <= 0:
		return errors.New("startup grace must be positive")
	case c.ShutdownGrace < 0:
		return errors.New("shutdown grace must not be negative")
	case c.MaxRestarts < 0:
		return fmt.Errorf("max restarts must not be negative, got %d", c.MaxRestarts)
	case c.MaxTasksPerWorker < 0:
		return fmt.Errorf("max tasks per worker must not be negative, got %d", c.MaxTasksPerWorker)
	case c.RestartBackoff < 0:
		return errors.New("restart backoff must not be negative")
	}
	return nil
}

// backoff returns the delay before the given start attempt (attempt 0 is the
// first and is never delayed).
func (c Config) backoff(attempt int) time.Duration {
	if attempt == 0 || c.RestartBackoff == 0 {
		return 0
	}
	d := c.RestartBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.MaxRestartBackoff > 0 && d >= c.MaxRestartBackoff {
			return c.MaxRestartBackoff
		}
	}
	return d
}
