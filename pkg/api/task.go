package api

import (
	"context"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a task.
type State string

const (
	StatePending    State = "PENDING"
	StateRunning    State = "RUNNING"
	StateComplete   State = "COMPLETE"
	StateTerminated State = "TERMINATED"
)

// Finished reports whether s is terminal. Terminated tasks are finished too.
func (s State) Finished() bool {
	return s == StateComplete || s == StateTerminated
}

// Handler executes the work described by a task payload.
type Handler interface {
	Handle(ctx context.Context, id string, payload []byte) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, id string, payload []byte) error

// Handle calls f(ctx, id, payload).
func (f HandlerFunc) Handle(ctx context.Context, id string, payload []byte) error {
	return f(ctx, id, payload)
}

// Task is one delivery attempt of a broker job bound to its handler.
//
// Only Run mutates the state of a task; the query methods may be called from
// any goroutine at any time.
type Task struct {
	id       string
	tube     string
	payload  []byte
	attempts int
	handler  Handler

	mu    sync.RWMutex
	state State
	err   string
}

// TaskOption configures optional task fields.
type TaskOption func(*Task)

// WithTube records the tube the task was reserved from.
func WithTube(tube string) TaskOption {
	return func(t *Task) { t.tube = tube }
}

// WithAttempts records how many times the job was released before this delivery.
func WithAttempts(n int) TaskOption {
	return func(t *Task) { t.attempts = n }
}

// NewTask creates a pending task. The payload is passed to the handler unchanged.
func NewTask(id string, payload []byte, h Handler, opts ...TaskOption) *Task {
	t := &Task{
		id:      id,
		payload: payload,
		handler: h,
		state:   StatePending,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RestoreTask rebuilds a task from a snapshot, binding it to h. h may be nil
// when the task is only inspected (for example by a collector).
func RestoreTask(s TaskSnapshot, h Handler) *Task {
	state := s.State
	if state == "" {
		state = StatePending
	}
	return &Task{
		id:       s.ID,
		tube:     s.Tube,
		payload:  s.Payload,
		attempts: s.Attempts,
		handler:  h,
		state:    state,
		err:      s.Error,
	}
}

// Run invokes the bound handler. Errors and panics raised by the handler are
// absorbed into the task state and never propagate to the caller.
func (t *Task) Run(ctx context.Context) {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.mu.Unlock()

	err := t.invoke(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = StateTerminated
		t.err = err.Error()
		return
	}
	t.state = StateComplete
}

func (t *Task) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if t.handler == nil {
		return fmt.Errorf("%w: tube %q", ErrNoHandler, t.tube)
	}
	return t.handler.Handle(ctx, t.id, t.payload)
}

func (t *Task) ID() string      { return t.id }
func (t *Task) Tube() string    { return t.tube }
func (t *Task) Payload() []byte { return t.payload }
func (t *Task) Attempts() int   { return t.attempts }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Err returns the handler error message of a terminated task, or "".
func (t *Task) Err() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// IsComplete reports whether Run has finished, successfully or not.
func (t *Task) IsComplete() bool {
	return t.State().Finished()
}

// IsTerminated reports whether the handler failed.
func (t *Task) IsTerminated() bool {
	return t.State() == StateTerminated
}

// Snapshot returns a copy of the task suitable for serialization.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskSnapshot{
		ID:       t.id,
		Tube:     t.tube,
		Payload:  t.payload,
		Attempts: t.attempts,
		State:    t.state,
		Error:    t.err,
	}
}

// TaskSnapshot is the serializable form of a task. Handlers are never
// serialized; they are re-bound by tube name on the other side.
type TaskSnapshot struct {
	ID       string
	Tube     string
	Payload  []byte
	Attempts int
	State    State
	Error    string
}
