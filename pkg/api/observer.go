package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the pool for logging and metrics.
//
// Implementations should be fast and non-blocking; they are called from the
// pool loop.
type Observer interface {
	// OnTaskSubmitted is called after t was stacked onto the worker in slot.
	OnTaskSubmitted(ctx context.Context, t *Task, slot int)

	// OnTaskCompleted is called after a successful task was acknowledged.
	OnTaskCompleted(ctx context.Context, t *Task)

	// OnTaskRetried is called after a failed or orphaned task was handed back.
	OnTaskRetried(ctx context.Context, t *Task)

	// OnTaskTouched is called after the lease of an unfinished task was extended.
	OnTaskTouched(ctx context.Context, t *Task)

	// OnWorkerStarted is called when a worker was created for slot.
	OnWorkerStarted(ctx context.Context, slot int)

	// OnWorkerStopped is called when the worker in slot was joined and
	// removed from the pool. err is the join result.
	OnWorkerStopped(ctx context.Context, slot int, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTaskSubmitted(ctx context.Context, t *Task, slot int)   {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, t *Task)             {}
func (NoopObserver) OnTaskRetried(ctx context.Context, t *Task)               {}
func (NoopObserver) OnTaskTouched(ctx context.Context, t *Task)               {}
func (NoopObserver) OnWorkerStarted(ctx context.Context, slot int)            {}
func (NoopObserver) OnWorkerStopped(ctx context.Context, slot int, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskSubmitted(ctx context.Context, t *Task, slot int) {
	for _, o := range c.observers {
		o.OnTaskSubmitted(ctx, t, slot)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, t *Task) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, t)
	}
}

func (c *CompositeObserver) OnTaskRetried(ctx context.Context, t *Task) {
	for _, o := range c.observers {
		o.OnTaskRetried(ctx, t)
	}
}

func (c *CompositeObserver) OnTaskTouched(ctx context.Context, t *Task) {
	for _, o := range c.observers {
		o.OnTaskTouched(ctx, t)
	}
}

func (c *CompositeObserver) OnWorkerStarted(ctx context.Context, slot int) {
	for _, o := range c.observers {
		o.OnWorkerStarted(ctx, slot)
	}
}

func (c *CompositeObserver) OnWorkerStopped(ctx context.Context, slot int, err error) {
	for _, o := range c.observers {
		o.OnWorkerStopped(ctx, slot, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task and worker lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTaskSubmitted(ctx context.Context, t *Task, slot int) {
	o.Logger.DebugContext(ctx, "task_submitted",
		slog.String("task_id", t.ID()),
		slog.String("tube", t.Tube()),
		slog.Int("slot", slot),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, t *Task) {
	o.Logger.InfoContext(ctx, "task_completed",
		slog.String("task_id", t.ID()),
		slog.String("tube", t.Tube()),
	)
}

func (o *LoggingObserver) OnTaskRetried(ctx context.Context, t *Task) {
	o.Logger.WarnContext(ctx, "task_retried",
		slog.String("task_id", t.ID()),
		slog.String("tube", t.Tube()),
		slog.Int("attempts", t.Attempts()),
		slog.String("error", t.Err()),
	)
}

func (o *LoggingObserver) OnTaskTouched(ctx context.Context, t *Task) {
	o.Logger.DebugContext(ctx, "task_touched",
		slog.String("task_id", t.ID()),
		slog.String("state", string(t.State())),
	)
}

func (o *LoggingObserver) OnWorkerStarted(ctx context.Context, slot int) {
	o.Logger.InfoContext(ctx, "worker_started", slog.Int("slot", slot))
}

func (o *LoggingObserver) OnWorkerStopped(ctx context.Context, slot int, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "worker_stopped",
		slog.Int("slot", slot),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksRetried   atomic.Int64
	tasksTouched   atomic.Int64
	workersStarted atomic.Int64
	workersStopped atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksRetried   int64
	TasksTouched   int64
	TasksInFlight  int64

	WorkersStarted int64
	WorkersStopped int64
}

func (m *BasicMetrics) OnTaskSubmitted(ctx context.Context, t *Task, slot int) {
	m.tasksSubmitted.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, t *Task) {
	m.tasksCompleted.Add(1)
}

func (m *BasicMetrics) OnTaskRetried(ctx context.Context, t *Task) {
	m.tasksRetried.Add(1)
}

func (m *BasicMetrics) OnTaskTouched(ctx context.Context, t *Task) {
	m.tasksTouched.Add(1)
}

func (m *BasicMetrics) OnWorkerStarted(ctx context.Context, slot int) {
	m.workersStarted.Add(1)
}

func (m *BasicMetrics) OnWorkerStopped(ctx context.Context, slot int, err error) {
	m.workersStopped.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	submitted := m.tasksSubmitted.Load()
	completed := m.tasksCompleted.Load()
	retried := m.tasksRetried.Load()

	return BasicMetricsSnapshot{
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksRetried:   retried,
		TasksTouched:   m.tasksTouched.Load(),
		TasksInFlight:  submitted - completed - retried,
		WorkersStarted: m.workersStarted.Load(),
		WorkersStopped: m.workersStopped.Load(),
	}
}
