package api

import (
	"context"
	"time"
)

// QueueAdapter is the scheduler's view of a work queue: it yields tasks bound
// to handlers and accepts their outcomes.
type QueueAdapter interface {
	// Register binds h to every job reserved from tube and starts watching it.
	Register(ctx context.Context, tube string, h Handler) error

	// Unregister stops watching tube.
	Unregister(ctx context.Context, tube string) error

	// Listen blocks up to timeout for the next reservable job. It returns
	// (nil, nil) on timeout. Delivery is at-least-once.
	Listen(ctx context.Context, timeout time.Duration) (*Task, error)

	// Touch extends the lease of a task that is still pending or running.
	Touch(ctx context.Context, t *Task) error

	// Complete acknowledges t and removes it from the broker.
	Complete(ctx context.Context, t *Task) error

	// Retry hands t back to the broker for redelivery.
	Retry(ctx context.Context, t *Task) error
}

// Job is a broker reservation.
type Job struct {
	ID       string
	Tube     string
	Payload  []byte
	Attempts int
}

// Broker is the contract required from a queue backend. It follows
// beanstalkd semantics: jobs live in named tubes, a reservation holds a
// time-to-run lease, and an expired lease makes the job ready again.
type Broker interface {
	// Put enqueues payload on tube, ready after delay, and returns the job id.
	Put(ctx context.Context, tube string, payload []byte, delay time.Duration) (string, error)

	Watch(ctx context.Context, tube string) error
	Ignore(ctx context.Context, tube string) error

	// Reserve waits up to timeout for a ready job on a watched tube.
	// It returns (nil, nil) on timeout.
	Reserve(ctx context.Context, timeout time.Duration) (*Job, error)

	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Release(ctx context.Context, id string, delay time.Duration) error

	// Bury parks a job so it is never reserved again until kicked by an operator.
	Bury(ctx context.Context, id string) error

	// Len returns the approximate number of ready and reserved jobs.
	Len(ctx context.Context) (int, error)

	Close() error
}
