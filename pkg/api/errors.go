package api

import "errors"

var (
	// ErrWorkerUnavailable is returned when a worker execution context
	// (goroutine or child process) cannot be created.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrNoSuchWorker is returned by SubmitTo for an unpopulated slot.
	ErrNoSuchWorker = errors.New("no such worker")

	// ErrNoCapacity is returned when a task is submitted to a pool of size 0.
	ErrNoCapacity = errors.New("pool has no capacity")

	// ErrWorkerShutdown is returned when stacking onto a worker that was asked to stop.
	ErrWorkerShutdown = errors.New("worker is shut down")

	// ErrNoHandler is recorded on tasks whose tube has no registered handler.
	ErrNoHandler = errors.New("no handler registered")

	// ErrPoolRunning is returned when Run is called on a pool that is not stopped.
	ErrPoolRunning = errors.New("pool already running")
)
