package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobpool/pkg/api"
)

func startGoroutineWorker(t *testing.T) *GoroutineWorker {
	t.Helper()
	w := NewGoroutineWorker(0, Config{IdleSleep: 10 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		_ = w.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Join(ctx)
	})
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestGoroutineWorker_RunsTasksInStackOrder(t *testing.T) {
	w := startGoroutineWorker(t)

	var (
		mu    sync.Mutex
		order []string
	)
	h := api.HandlerFunc(func(_ context.Context, id string, _ []byte) error {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return nil
	})

	tasks := []*api.Task{
		api.NewTask("1", nil, h),
		api.NewTask("2", nil, h),
		api.NewTask("3", nil, h),
	}
	for i, task := range tasks {
		n, err := w.Stack(task)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, i+1)
	}

	waitFor(t, func() bool { return tasks[2].IsComplete() })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"1", "2", "3"}, order)
	require.Equal(t, 3, w.Stacked(), "finished tasks stay until collected")
}

func TestGoroutineWorker_FailureAndPanicTerminateTask(t *testing.T) {
	w := startGoroutineWorker(t)

	failing := api.NewTask("fail", nil, api.HandlerFunc(func(context.Context, string, []byte) error {
		return errors.New("boom")
	}))
	panicking := api.NewTask("panic", nil, api.HandlerFunc(func(context.Context, string, []byte) error {
		panic("kaboom")
	}))
	after := api.NewTask("after", nil, api.HandlerFunc(func(context.Context, string, []byte) error {
		return nil
	}))

	for _, task := range []*api.Task{failing, panicking, after} {
		_, err := w.Stack(task)
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return after.IsComplete() })

	require.True(t, failing.IsTerminated())
	require.Equal(t, "boom", failing.Err())
	require.True(t, panicking.IsTerminated())
	require.Contains(t, panicking.Err(), "kaboom")
	require.False(t, after.IsTerminated())
	require.True(t, w.IsRunning(), "worker must survive handler failures")
}

func TestGoroutineWorker_CollectRemovesOnlyAccepted(t *testing.T) {
	w := startGoroutineWorker(t)

	release := make(chan struct{})
	blocker := api.NewTask("block", nil, api.HandlerFunc(func(context.Context, string, []byte) error {
		<-release
		return nil
	}))
	quick := api.NewTask("quick", nil, api.HandlerFunc(func(context.Context, string, []byte) error {
		return nil
	}))

	_, err := w.Stack(blocker)
	require.NoError(t, err)
	_, err = w.Stack(quick)
	require.NoError(t, err)

	waitFor(t, func() bool { return blocker.State() == api.StateRunning })

	var seen []string
	n, err := w.Collect(func(task *api.Task) bool {
		seen = append(seen, task.ID())
		return task.IsComplete()
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"block", "quick"}, seen)

	close(release)
	waitFor(t, func() bool { return quick.IsComplete() })

	n, err = w.Collect(func(task *api.Task) bool { return task.IsComplete() })
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Idempotent once empty.
	n, err = w.Collect(func(task *api.Task) bool { return true })
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestGoroutineWorker_ShutdownDrainsStackedTasks(t *testing.T) {
	w := NewGoroutineWorker(3, Config{IdleSleep: 10 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))

	var ran atomic.Int32
	release := make(chan struct{})
	tasks := make([]*api.Task, 0, 4)
	for i := 0; i < 4; i++ {
		task := api.NewTask("t", nil, api.HandlerFunc(func(context.Context, string, []byte) error {
			<-release
			ran.Add(1)
			return nil
		}))
		tasks = append(tasks, task)
		_, err := w.Stack(task)
		require.NoError(t, err)
	}

	require.NoError(t, w.Shutdown())
	require.True(t, w.IsShutdown())

	_, err := w.Stack(api.NewTask("late", nil, nil))
	require.ErrorIs(t, err, api.ErrWorkerShutdown)

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Join(ctx))

	require.True(t, w.IsJoined())
	require.False(t, w.IsRunning())
	require.EqualValues(t, 4, ran.Load())
	for _, task := range tasks {
		require.True(t, task.IsComplete())
	}
}

func TestGoroutineWorker_ShutdownDoesNotCancelRunningTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewGoroutineWorker(0, Config{IdleSleep: 10 * time.Millisecond})
	require.NoError(t, w.Start(ctx))

	started := make(chan struct{})
	task := api.NewTask("long", nil, api.HandlerFunc(func(ctx context.Context, _ string, _ []byte) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	}))
	_, err := w.Stack(task)
	require.NoError(t, err)
	<-started

	cancel()
	require.NoError(t, w.Shutdown())

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer joinCancel()
	require.NoError(t, w.Join(joinCtx))
	require.Equal(t, api.StateComplete, task.State())
}

func TestGoroutineWorker_JoinTimesOut(t *testing.T) {
	w := startGoroutineWorker(t)

	release := make(chan struct{})
	defer close(release)
	_, err := w.Stack(api.NewTask("slow", nil, api.HandlerFunc(func(context.Context, string, []byte) error {
		<-release
		return nil
	})))
	require.NoError(t, err)
	require.NoError(t, w.Shutdown())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = w.Join(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, w.IsJoined())
}

func TestGoroutineWorker_ShutdownBeforeStart(t *testing.T) {
	w := NewGoroutineWorker(0, Config{})
	require.NoError(t, w.Shutdown())
	require.True(t, w.IsJoined())
	require.ErrorIs(t, w.Start(context.Background()), api.ErrWorkerShutdown)
	require.NoError(t, w.Join(context.Background()))
}

func TestGoroutineFactory_NewWorker(t *testing.T) {
	f := GoroutineFactory{Config: Config{IdleSleep: time.Millisecond}}
	w, err := f.NewWorker(7)
	require.NoError(t, err)
	require.False(t, w.IsRunning())
	require.Equal(t, 0, w.Stacked())
	require.NoError(t, w.Shutdown())
}
