package jobpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/jobpool/internal/taskqueue"
	"github.com/petrijr/jobpool/pkg/pool"
	"github.com/petrijr/jobpool/pkg/queue"
	"github.com/petrijr/jobpool/pkg/worker"
)

// LocalRunner bundles an in-memory broker, a queue adapter and a pool of
// goroutine workers for development, tests and single-process deployments.
//
// Typical usage:
//
//	runner := jobpool.NewLocalRunner(4)
//	_ = runner.Handle(ctx, "emails", sendEmail)
//	_ = runner.Start(ctx)
//	_, _ = runner.Put(ctx, "emails", payload)
//	...
//	_ = runner.Stop(ctx)
type LocalRunner struct {
	// Broker holds the jobs. It can be shared with producers in the same process.
	Broker Broker

	// Adapter binds Broker to the registered handlers.
	Adapter *Adapter

	// Pool executes the tasks.
	Pool *Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// LocalOption configures a LocalRunner.
type LocalOption func(*localOptions)

type localOptions struct {
	policy   ReleasePolicy
	logger   *slog.Logger
	observer Observer
	timeout  time.Duration
}

// WithLocalReleasePolicy sets how failed jobs are handed back.
func WithLocalReleasePolicy(p ReleasePolicy) LocalOption {
	return func(o *localOptions) { o.policy = p }
}

// WithLocalLogger sets the logger for the adapter, pool and workers.
func WithLocalLogger(l *slog.Logger) LocalOption {
	return func(o *localOptions) { o.logger = l }
}

// WithLocalObserver sets the pool observer.
func WithLocalObserver(obs Observer) LocalOption {
	return func(o *localOptions) { o.observer = obs }
}

// WithLocalTimeout sets the listen timeout and collection cadence.
func WithLocalTimeout(d time.Duration) LocalOption {
	return func(o *localOptions) { o.timeout = d }
}

// NewLocalRunner constructs a LocalRunner with size goroutine workers.
func NewLocalRunner(size int, opts ...LocalOption) *LocalRunner {
	o := localOptions{timeout: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	b := taskqueue.NewMemoryBroker()
	a := queue.New(b,
		queue.WithReleasePolicy(o.policy),
		queue.WithLogger(o.logger),
	)
	p := pool.New(a, worker.GoroutineFactory{Config: worker.Config{
		IdleSleep: 10 * time.Millisecond,
		Logger:    o.logger,
	}}, pool.Config{
		Size:     size,
		Timeout:  o.timeout,
		Logger:   o.logger,
		Observer: o.observer,
	})

	return &LocalRunner{
		Broker:  b,
		Adapter: a,
		Pool:    p,
	}
}

// Handle registers h for jobs put on tube.
func (r *LocalRunner) Handle(ctx context.Context, tube string, h Handler) error {
	return r.Adapter.Register(ctx, tube, h)
}

// Put enqueues a job that is ready immediately.
func (r *LocalRunner) Put(ctx context.Context, tube string, payload []byte) (string, error) {
	return r.Broker.Put(ctx, tube, payload, 0)
}

// Start runs the pool in the background until Stop is called or ctx is done.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("jobpool: LocalRunner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.done = make(chan error, 1)

	done := r.done
	go func() { done <- r.Pool.Run(ctx) }()
	return nil
}

// Stop drains the pool and waits for it to exit. Jobs still in the broker
// stay there.
func (r *LocalRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	done, cancel := r.done, r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	err := r.Pool.Shutdown(ctx)
	// Covers a Run that had not reached its loop when Shutdown was called.
	cancel()
	if err != nil {
		return err
	}
	return <-done
}

// Pending returns the number of jobs ready or reserved in the broker.
func (r *LocalRunner) Pending(ctx context.Context) (int, error) {
	return r.Broker.Len(ctx)
}
