// Package pool runs tasks on a fixed set of supervised workers. It owns the
// bounded FIFO task queue, matches queued tasks to available workers, enforces
// queue and execution deadlines, and restarts workers whose backend stops
// behaving.
package pool
