// Package pool implements the scheduler: a bounded set of worker slots fed
// from a queue adapter, with periodic collection of finished tasks and a
// draining shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

const (
	DefaultBufferFactor = 5
	DefaultTimeout      = time.Second
	DefaultJoinTimeout  = 30 * time.Second
)

// Config holds pool settings. Zero values select the defaults.
type Config struct {
	// Size is the initial capacity: the number of worker slots.
	Size int

	// BufferFactor caps in-flight tasks at Size × BufferFactor. Above that
	// the pool stops pulling from the adapter.
	BufferFactor int

	// Timeout bounds each Listen call and sets the collection cadence.
	Timeout time.Duration

	// JoinTimeout bounds the wait for one worker during a drain.
	JoinTimeout time.Duration

	Logger   *slog.Logger
	Observer api.Observer
}

func (c Config) withDefaults() Config {
	if c.Size < 0 {
		c.Size = 0
	}
	if c.BufferFactor < 1 {
		c.BufferFactor = DefaultBufferFactor
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	return c
}

// Pool dispatches tasks from a queue adapter onto lazily created workers.
type Pool struct {
	adapter  api.QueueAdapter
	factory  api.WorkerFactory
	cfg      Config
	logger   *slog.Logger
	observer api.Observer

	// mu guards the slot registry and dispatch cursor.
	mu       sync.Mutex
	capacity int
	last     int
	slots    map[int]api.Worker

	// collectMu serializes collection, reclamation and drain passes.
	collectMu sync.Mutex

	stateMu  sync.Mutex
	state    api.PoolState
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
}

// New creates a stopped pool. Workers are created on first dispatch to a slot.
func New(adapter api.QueueAdapter, factory api.WorkerFactory, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		adapter:  adapter,
		factory:  factory,
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		capacity: cfg.Size,
		last:     -1,
		slots:    make(map[int]api.Worker),
		state:    api.PoolStopped,
	}
}

// Resize sets the capacity. Workers in slots at or above the new capacity are
// not evicted; they receive no new tasks and are reclaimed once idle.
func (p *Pool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = n
}

// Size returns the current capacity.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Submit dispatches t and returns the length of the chosen worker's queue.
//
// The candidate is the slot after the last one used. Any populated slot with
// strictly fewer stacked tasks replaces it, scanning slots in index order.
func (p *Pool) Submit(ctx context.Context, t *api.Task) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity == 0 {
		return 0, api.ErrNoCapacity
	}

	slot := p.pick()
	w, err := p.workerFor(ctx, slot)
	if err != nil {
		return 0, err
	}

	n, err := w.Stack(t)
	if err != nil {
		return 0, fmt.Errorf("submit %s to slot %d: %w", t.ID(), slot, err)
	}
	p.last = slot
	p.observer.OnTaskSubmitted(ctx, t, slot)
	return n, nil
}

// SubmitTo stacks t on the worker in slot, bypassing dispatch.
func (p *Pool) SubmitTo(ctx context.Context, slot int, t *api.Task) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.slots[slot]
	if !ok {
		return 0, fmt.Errorf("slot %d: %w", slot, api.ErrNoSuchWorker)
	}
	n, err := w.Stack(t)
	if err != nil {
		return 0, fmt.Errorf("submit %s to slot %d: %w", t.ID(), slot, err)
	}
	p.observer.OnTaskSubmitted(ctx, t, slot)
	return n, nil
}

// pick returns the dispatch slot. p.mu must be held and capacity be > 0.
func (p *Pool) pick() int {
	candidate := (p.last + 1) % p.capacity
	load := 0
	if w, ok := p.slots[candidate]; ok && !w.IsShutdown() {
		load = w.Stacked()
	}

	for _, slot := range p.sortedSlots() {
		if slot == candidate || slot >= p.capacity {
			continue
		}
		w := p.slots[slot]
		if w.IsShutdown() {
			continue
		}
		if n := w.Stacked(); n < load {
			candidate, load = slot, n
		}
	}
	return candidate
}

// workerFor returns a live worker for slot, creating it when the slot is
// empty. A worker that was shut down but not yet removed is reaped and
// replaced. p.mu must be held.
func (p *Pool) workerFor(ctx context.Context, slot int) (api.Worker, error) {
	if w, ok := p.slots[slot]; ok {
		if !w.IsShutdown() {
			return w, nil
		}
		p.reap(context.WithoutCancel(ctx), slot, w)
	}

	w, err := p.factory.NewWorker(slot)
	if err != nil {
		return nil, unavailable(slot, err)
	}
	if err := w.Start(ctx); err != nil {
		return nil, unavailable(slot, err)
	}
	p.slots[slot] = w
	p.observer.OnWorkerStarted(ctx, slot)
	return w, nil
}

func unavailable(slot int, err error) error {
	if errors.Is(err, api.ErrWorkerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: slot %d: %v", api.ErrWorkerUnavailable, slot, err)
}

// reap joins a worker that was asked to stop, reports whatever it still
// holds and removes it from the registry. p.mu must be held.
func (p *Pool) reap(ctx context.Context, slot int, w api.Worker) {
	joinCtx, cancel := context.WithTimeout(ctx, p.cfg.JoinTimeout)
	err := w.Join(joinCtx)
	cancel()

	collector := p.DefaultCollector(ctx)
	if w.IsJoined() {
		if err != nil {
			p.logger.Warn("worker exited with error", slog.Int("slot", slot), slog.Any("error", err))
		}
		collector = p.orphanCollector(ctx)
	} else {
		p.logger.Error("worker did not join, abandoning it", slog.Int("slot", slot), slog.Any("error", err))
	}

	if _, cerr := w.Collect(collector); cerr != nil {
		p.logger.Error("final collect failed", slog.Int("slot", slot), slog.Any("error", cerr))
	}
	if p.slots[slot] == w {
		delete(p.slots, slot)
	}
	p.observer.OnWorkerStopped(ctx, slot, err)
}

// Collect applies c, or the default collector when c is nil, to every
// worker and returns the number of tasks left across the pool.
func (p *Pool) Collect(ctx context.Context, c api.Collector) (int, error) {
	if c == nil {
		c = p.DefaultCollector(ctx)
	}

	p.collectMu.Lock()
	defer p.collectMu.Unlock()

	total := 0
	var errs []error
	for _, e := range p.snapshot() {
		n, err := e.w.Collect(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", e.slot, err))
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// DefaultCollector reports finished tasks to the adapter and removes them:
// terminated tasks are retried, completed ones acknowledged. Unfinished tasks
// get their lease extended and stay queued.
//
// Adapter failures are logged. The task still counts as reported, so it is
// never reported twice.
func (p *Pool) DefaultCollector(ctx context.Context) api.Collector {
	return func(t *api.Task) bool {
		switch {
		case t.IsTerminated():
			p.logger.Warn("task terminated, releasing for retry",
				slog.String("task_id", t.ID()),
				slog.String("tube", t.Tube()),
				slog.String("error", t.Err()),
			)
			if err := p.adapter.Retry(ctx, t); err != nil {
				p.logger.Error("retry failed", slog.String("task_id", t.ID()), slog.Any("error", err))
			}
			p.observer.OnTaskRetried(ctx, t)
			return true

		case t.IsComplete():
			if err := p.adapter.Complete(ctx, t); err != nil {
				p.logger.Error("complete failed", slog.String("task_id", t.ID()), slog.Any("error", err))
			}
			p.observer.OnTaskCompleted(ctx, t)
			return true

		default:
			if err := p.adapter.Touch(ctx, t); err != nil {
				p.logger.Warn("touch failed", slog.String("task_id", t.ID()), slog.Any("error", err))
			}
			p.observer.OnTaskTouched(ctx, t)
			return false
		}
	}
}

// orphanCollector is used on workers that have exited. Anything still
// unfinished there will never run, so it is released for redelivery.
func (p *Pool) orphanCollector(ctx context.Context) api.Collector {
	def := p.DefaultCollector(ctx)
	return func(t *api.Task) bool {
		if t.IsComplete() {
			return def(t)
		}
		p.logger.Warn("releasing orphaned task",
			slog.String("task_id", t.ID()),
			slog.String("state", string(t.State())),
		)
		if err := p.adapter.Retry(ctx, t); err != nil {
			p.logger.Error("retry failed", slog.String("task_id", t.ID()), slog.Any("error", err))
		}
		p.observer.OnTaskRetried(ctx, t)
		return true
	}
}

// reclaimIdle shuts down workers with empty queues and removes the ones that
// have exited.
func (p *Pool) reclaimIdle(ctx context.Context) {
	p.collectMu.Lock()
	defer p.collectMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, slot := range p.sortedSlots() {
		w := p.slots[slot]
		if !w.IsShutdown() && w.Stacked() == 0 {
			p.logger.Debug("shutting down idle worker", slog.Int("slot", slot))
			if err := w.Shutdown(); err != nil {
				p.logger.Warn("idle shutdown failed", slog.Int("slot", slot), slog.Any("error", err))
			}
		}
		if w.IsJoined() {
			p.reap(ctx, slot, w)
		}
	}
}

// Run executes the main loop until ctx is done or Shutdown is called, then
// drains every worker before returning.
func (p *Pool) Run(ctx context.Context) error {
	stop, err := p.begin()
	if err != nil {
		return err
	}
	p.logger.Info("pool started", slog.Int("size", p.Size()))

	defer func() {
		p.drain(context.WithoutCancel(ctx))
		p.end()
		p.logger.Info("pool stopped")
	}()

	// Reusable timer, initialized stopped.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	sleep := func() bool {
		tmr.Reset(p.cfg.Timeout)
		defer func() {
			if !tmr.Stop() {
				select {
				case <-tmr.C:
				default:
				}
			}
		}()
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		case <-tmr.C:
			return true
		}
	}

	lastCollect := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		if p.InFlight() < p.Size()*p.cfg.BufferFactor {
			t, err := p.adapter.Listen(ctx, p.cfg.Timeout)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("listen failed", slog.Any("error", err))
				if !sleep() {
					return nil
				}
			case t != nil:
				p.dispatch(ctx, t)
			}
		} else if !sleep() {
			return nil
		}

		if time.Since(lastCollect) >= p.cfg.Timeout {
			if _, err := p.Collect(ctx, nil); err != nil {
				p.logger.Error("collect failed", slog.Any("error", err))
			}
			p.reclaimIdle(ctx)
			lastCollect = time.Now()
		}
	}
}

// dispatch submits a task received by the loop. A task that cannot be placed
// is handed back to the adapter. The task is already reserved, so neither step
// may be cut short by the loop's context.
func (p *Pool) dispatch(ctx context.Context, t *api.Task) {
	ctx = context.WithoutCancel(ctx)
	if _, err := p.Submit(ctx, t); err != nil {
		p.logger.Error("submit failed, releasing task",
			slog.String("task_id", t.ID()),
			slog.Any("error", err),
		)
		if rerr := p.adapter.Retry(ctx, t); rerr != nil {
			p.logger.Error("retry failed", slog.String("task_id", t.ID()), slog.Any("error", rerr))
		}
	}
}

func (p *Pool) begin() (<-chan struct{}, error) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state != api.PoolStopped {
		return nil, api.ErrPoolRunning
	}
	p.state = api.PoolRunning
	p.stop = make(chan struct{})
	p.stopOnce = new(sync.Once)
	p.done = make(chan struct{})
	return p.stop, nil
}

func (p *Pool) end() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = api.PoolStopped
	close(p.done)
}

// Shutdown stops the main loop and waits until every worker has been drained:
// shut down, joined and collected a final time. On a pool that is not running
// it drains the workers directly. ctx bounds the wait, not the drain.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stateMu.Lock()
	switch p.state {
	case api.PoolStopped:
		p.stateMu.Unlock()
		p.drain(ctx)
		return nil
	case api.PoolRunning:
		p.state = api.PoolDraining
	}
	stop, once, done := p.stop, p.stopOnce, p.done
	p.stateMu.Unlock()

	once.Do(func() { close(stop) })

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) drain(ctx context.Context) {
	p.setDraining()

	p.collectMu.Lock()
	defer p.collectMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.sortedSlots()
	for _, slot := range slots {
		if err := p.slots[slot].Shutdown(); err != nil {
			p.logger.Warn("worker shutdown failed", slog.Int("slot", slot), slog.Any("error", err))
		}
	}
	for _, slot := range slots {
		p.reap(ctx, slot, p.slots[slot])
	}
}

func (p *Pool) setDraining() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.state == api.PoolRunning {
		p.state = api.PoolDraining
	}
}

// State returns the main loop state.
func (p *Pool) State() api.PoolState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// InFlight returns the number of tasks stacked across all workers, reported
// or not. It is the figure backpressure is applied to.
func (p *Pool) InFlight() int {
	total := 0
	for _, e := range p.snapshot() {
		total += e.w.Stacked()
	}
	return total
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() api.PoolStats {
	entries := p.snapshot()
	stats := api.PoolStats{
		State:    p.State(),
		Capacity: p.Size(),
		Workers:  len(entries),
		Slots:    make(map[int]int, len(entries)),
	}
	for _, e := range entries {
		n := e.w.Stacked()
		stats.Slots[e.slot] = n
		stats.Stacked += n
	}
	return stats
}

type slotEntry struct {
	slot int
	w    api.Worker
}

// snapshot copies the registry in slot order.
func (p *Pool) snapshot() []slotEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]slotEntry, 0, len(p.slots))
	for _, slot := range p.sortedSlots() {
		out = append(out, slotEntry{slot: slot, w: p.slots[slot]})
	}
	return out
}

// sortedSlots returns populated slot indices in ascending order. p.mu must be held.
func (p *Pool) sortedSlots() []int {
	out := make([]int, 0, len(p.slots))
	for slot := range p.slots {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}
