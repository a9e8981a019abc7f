// Package queue binds a broker to the pool: it turns reservations into tasks
// bound to registered handlers, and task outcomes back into broker calls.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

// Adapter implements api.QueueAdapter on top of an api.Broker.
type Adapter struct {
	broker   api.Broker
	handlers *api.Registry
	policy   api.ReleasePolicy
	logger   *slog.Logger
}

// Ensure Adapter implements api.QueueAdapter.
var _ api.QueueAdapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithRegistry makes the adapter record its handlers in reg. A process
// worker child resolves handlers from a registry built the same way.
func WithRegistry(reg *api.Registry) Option {
	return func(a *Adapter) {
		if reg != nil {
			a.handlers = reg
		}
	}
}

// WithReleasePolicy sets how failed tasks are returned to the broker.
func WithReleasePolicy(p api.ReleasePolicy) Option {
	return func(a *Adapter) { a.policy = p }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an adapter on b. It watches no tube until Register is called.
func New(b api.Broker, opts ...Option) *Adapter {
	a := &Adapter{
		broker:   b,
		handlers: api.NewRegistry(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry returns the handlers bound so far.
func (a *Adapter) Registry() *api.Registry { return a.handlers }

// Broker returns the underlying broker.
func (a *Adapter) Broker() api.Broker { return a.broker }

func (a *Adapter) Register(ctx context.Context, tube string, h api.Handler) error {
	if h == nil {
		return fmt.Errorf("register %q: %w", tube, api.ErrNoHandler)
	}
	a.handlers.Register(tube, h)
	if err := a.broker.Watch(ctx, tube); err != nil {
		a.handlers.Unregister(tube)
		return fmt.Errorf("watch %q: %w", tube, err)
	}
	return nil
}

func (a *Adapter) Unregister(ctx context.Context, tube string) error {
	if err := a.broker.Ignore(ctx, tube); err != nil {
		return fmt.Errorf("ignore %q: %w", tube, err)
	}
	a.handlers.Unregister(tube)
	return nil
}

// Listen reserves the next job and binds it to its tube's handler. A job for
// a tube that lost its handler in the meantime is released and Listen
// returns (nil, nil), as on timeout.
func (a *Adapter) Listen(ctx context.Context, timeout time.Duration) (*api.Task, error) {
	job, err := a.broker.Reserve(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	h, ok := a.handlers.Lookup(job.Tube)
	if !ok {
		a.logger.Warn("no handler for reserved job, releasing",
			slog.String("job_id", job.ID),
			slog.String("tube", job.Tube),
		)
		if err := a.broker.Release(ctx, job.ID, 0); err != nil {
			return nil, fmt.Errorf("release unroutable job %s: %w", job.ID, err)
		}
		return nil, nil
	}

	return api.NewTask(job.ID, job.Payload, h,
		api.WithTube(job.Tube),
		api.WithAttempts(job.Attempts),
	), nil
}

func (a *Adapter) Touch(ctx context.Context, t *api.Task) error {
	if err := a.broker.Touch(ctx, t.ID()); err != nil {
		return fmt.Errorf("touch %s: %w", t.ID(), err)
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, t *api.Task) error {
	if err := a.broker.Delete(ctx, t.ID()); err != nil {
		return fmt.Errorf("delete %s: %w", t.ID(), err)
	}
	return nil
}

// Retry releases t for redelivery after the policy's backoff, or buries it
// once the policy's attempts are exhausted.
func (a *Adapter) Retry(ctx context.Context, t *api.Task) error {
	if a.policy.Exhausted(t.Attempts()) {
		a.logger.Warn("job attempts exhausted, burying",
			slog.String("job_id", t.ID()),
			slog.String("tube", t.Tube()),
			slog.Int("attempts", t.Attempts()+1),
			slog.String("error", t.Err()),
		)
		if err := a.broker.Bury(ctx, t.ID()); err != nil {
			return fmt.Errorf("bury %s: %w", t.ID(), err)
		}
		return nil
	}

	delay := a.policy.Delay(t.Attempts())
	if err := a.broker.Release(ctx, t.ID(), delay); err != nil {
		return fmt.Errorf("release %s: %w", t.ID(), err)
	}
	return nil
}
