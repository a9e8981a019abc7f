package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

// DefaultIdleSleep is how long an idle worker waits before re-checking its queue.
const DefaultIdleSleep = 500 * time.Millisecond

// Config holds the settings shared by both worker backends.
type Config struct {
	// IdleSleep bounds how long an empty worker blocks before looking again.
	// Zero means DefaultIdleSleep.
	IdleSleep time.Duration

	// Logger receives worker lifecycle logs. Nil discards them.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// GoroutineWorker runs its tasks on a dedicated goroutine and shares its
// queue with the pool directly, under a mutex.
type GoroutineWorker struct {
	slot   int
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	queue    []*api.Task
	started  bool
	shutdown bool

	// collectMu serializes collect passes so a finished task is reported once.
	collectMu sync.Mutex

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// Ensure GoroutineWorker implements api.Worker.
var _ api.Worker = (*GoroutineWorker)(nil)

// NewGoroutineWorker creates a worker for slot. Call Start to run it.
func NewGoroutineWorker(slot int, cfg Config) *GoroutineWorker {
	cfg = cfg.withDefaults()
	return &GoroutineWorker{
		slot:   slot,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.Int("slot", slot)),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the run loop. Tasks run with a context derived from ctx that
// is never cancelled, so a running task is not preempted by shutdown.
func (w *GoroutineWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errors.New("worker: already started")
	}
	if w.shutdown {
		return api.ErrWorkerShutdown
	}
	w.started = true

	go w.run(context.WithoutCancel(ctx))
	return nil
}

func (w *GoroutineWorker) Stack(t *api.Task) (int, error) {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return 0, fmt.Errorf("slot %d: %w", w.slot, api.ErrWorkerShutdown)
	}
	w.queue = append(w.queue, t)
	n := len(w.queue)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return n, nil
}

func (w *GoroutineWorker) Stacked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Collect evaluates c on a snapshot of the queue without holding the queue
// lock, then removes exactly the tasks c accepted.
func (w *GoroutineWorker) Collect(c api.Collector) (int, error) {
	w.collectMu.Lock()
	defer w.collectMu.Unlock()

	w.mu.Lock()
	snapshot := make([]*api.Task, len(w.queue))
	copy(snapshot, w.queue)
	w.mu.Unlock()

	remove := make(map[*api.Task]struct{})
	for _, t := range snapshot {
		if c(t) {
			remove[t] = struct{}{}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(remove) == 0 {
		return len(w.queue), nil
	}
	kept := make([]*api.Task, 0, len(w.queue))
	for _, t := range w.queue {
		if _, ok := remove[t]; !ok {
			kept = append(kept, t)
		}
	}
	w.queue = kept
	return len(kept), nil
}

func (w *GoroutineWorker) Shutdown() error {
	w.mu.Lock()
	w.shutdown = true
	started := w.started
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stop) })
	if !started {
		w.doneOnce.Do(func() { close(w.done) })
	}
	return nil
}

func (w *GoroutineWorker) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

func (w *GoroutineWorker) IsJoined() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *GoroutineWorker) IsRunning() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	return started && !w.IsJoined()
}

func (w *GoroutineWorker) Join(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join slot %d: %w", w.slot, ctx.Err())
	}
}

func (w *GoroutineWorker) run(ctx context.Context) {
	defer w.doneOnce.Do(func() { close(w.done) })

	w.logger.Debug("worker goroutine starting")
	defer w.logger.Debug("worker goroutine complete")

	// Reusable idle timer, initialized stopped.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		if t := w.next(); t != nil {
			t.Run(ctx)
			continue
		}

		select {
		case <-w.stop:
			// Stack is closed once shutdown is set, so an empty scan here is final.
			if w.next() == nil {
				return
			}
			continue
		default:
		}

		tmr.Reset(w.cfg.IdleSleep)
		select {
		case <-w.wake:
		case <-w.stop:
		case <-tmr.C:
		}
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
	}
}

// next returns the oldest task that has not started yet.
func (w *GoroutineWorker) next() *api.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.queue {
		if t.State() == api.StatePending {
			return t
		}
	}
	return nil
}

// GoroutineFactory creates GoroutineWorkers.
type GoroutineFactory struct {
	Config Config
}

// Ensure GoroutineFactory implements api.WorkerFactory.
var _ api.WorkerFactory = GoroutineFactory{}

func (f GoroutineFactory) NewWorker(slot int) (api.Worker, error) {
	return NewGoroutineWorker(slot, f.Config), nil
}
