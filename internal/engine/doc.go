// Package engine runs document conversions on the worker pool. It keeps a
// history of asynchronous conversions in the store, moving each record
// through its status transitions as the pool dispatches and completes it,
// and fans out agent output to log subscribers.
package engine
