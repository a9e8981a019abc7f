package api

import "context"

// Collector decides whether a task can be removed from a worker queue.
// It may report the task outcome as a side effect.
type Collector func(t *Task) bool

// Worker is one execution unit that owns an ordered queue of tasks and runs
// them one at a time.
//
// Implementations must allow Stack and Collect to be called concurrently with
// the worker's own run loop.
type Worker interface {
	// Start allocates the execution context and begins the run loop.
	Start(ctx context.Context) error

	// Stack appends t to the queue and returns the resulting queue length.
	Stack(t *Task) (int, error)

	// Stacked returns the current queue length, 0 if the queue is unreadable.
	Stacked() int

	// Collect removes every task for which c returns true and returns the
	// number of tasks left. Tasks stacked during the pass are never dropped.
	Collect(c Collector) (int, error)

	// Shutdown asks the run loop to finish the stacked tasks and exit.
	// It never interrupts a running task.
	Shutdown() error

	IsShutdown() bool
	IsJoined() bool
	IsRunning() bool

	// Join blocks until the execution context has exited or ctx is done.
	// A nil error means the context exited cleanly.
	Join(ctx context.Context) error
}

// WorkerFactory produces new workers for pool slots.
type WorkerFactory interface {
	NewWorker(slot int) (Worker, error)
}

// WorkerFactoryFunc adapts a function to the WorkerFactory interface.
type WorkerFactoryFunc func(slot int) (Worker, error)

// NewWorker calls f(slot).
func (f WorkerFactoryFunc) NewWorker(slot int) (Worker, error) {
	return f(slot)
}
