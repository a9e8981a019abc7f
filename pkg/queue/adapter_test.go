package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobpool/internal/taskqueue"
	"github.com/petrijr/jobpool/pkg/api"
)

var okHandler = api.HandlerFunc(func(context.Context, string, []byte) error { return nil })

func newTestAdapter(t *testing.T, opts ...Option) (*Adapter, *taskqueue.MemoryBroker) {
	t.Helper()
	b := taskqueue.NewMemoryBroker(taskqueue.WithTTR(time.Minute))
	return New(b, opts...), b
}

func TestAdapter_ListenBindsHandler(t *testing.T) {
	ctx := context.Background()
	a, b := newTestAdapter(t)
	require.NoError(t, a.Register(ctx, "emails", okHandler))

	id, err := b.Put(ctx, "emails", []byte(`{"to":"x"}`), 0)
	require.NoError(t, err)

	task, err := a.Listen(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, id, task.ID())
	require.Equal(t, "emails", task.Tube())
	require.Equal(t, []byte(`{"to":"x"}`), task.Payload())
	require.Equal(t, api.StatePending, task.State())

	task.Run(ctx)
	require.True(t, task.IsComplete())
	require.NoError(t, a.Complete(ctx, task))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestAdapter_ListenTimeoutReturnsNil(t *testing.T) {
	a, _ := newTestAdapter(t)
	require.NoError(t, a.Register(context.Background(), "emails", okHandler))

	task, err := a.Listen(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestAdapter_UnregisterStopsDelivery(t *testing.T) {
	ctx := context.Background()
	a, b := newTestAdapter(t)
	require.NoError(t, a.Register(ctx, "emails", okHandler))
	require.NoError(t, a.Unregister(ctx, "emails"))

	_, err := b.Put(ctx, "emails", nil, 0)
	require.NoError(t, err)

	task, err := a.Listen(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, task)

	_, ok := a.Registry().Lookup("emails")
	require.False(t, ok)
}

func TestAdapter_UnroutableJobIsReleased(t *testing.T) {
	ctx := context.Background()
	a, b := newTestAdapter(t)

	// Watch the tube on the broker directly, without a handler.
	require.NoError(t, b.Watch(ctx, "orphans"))
	_, err := b.Put(ctx, "orphans", nil, 0)
	require.NoError(t, err)

	task, err := a.Listen(ctx, time.Second)
	require.NoError(t, err)
	require.Nil(t, task)

	job, err := b.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job, "released job is ready again")
	require.Equal(t, 1, job.Attempts)
}

func TestAdapter_RetryReleasesWithBackoff(t *testing.T) {
	ctx := context.Background()
	a, b := newTestAdapter(t, WithReleasePolicy(api.ReleasePolicy{
		InitialBackoff: 200 * time.Millisecond,
	}))
	require.NoError(t, a.Register(ctx, "q", api.HandlerFunc(func(context.Context, string, []byte) error {
		return errors.New("boom")
	})))

	_, err := b.Put(ctx, "q", []byte("p"), 0)
	require.NoError(t, err)

	task, err := a.Listen(ctx, time.Second)
	require.NoError(t, err)
	task.Run(ctx)
	require.True(t, task.IsTerminated())
	require.NoError(t, a.Retry(ctx, task))

	again, err := a.Listen(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, again, "release delay not yet elapsed")

	again, err = a.Listen(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, task.ID(), again.ID())
	require.Equal(t, []byte("p"), again.Payload())
	require.Equal(t, 1, again.Attempts())
}

func TestAdapter_RetryBuriesWhenExhausted(t *testing.T) {
	ctx := context.Background()
	a, b := newTestAdapter(t, WithReleasePolicy(api.ReleasePolicy{MaxAttempts: 2}))
	require.NoError(t, a.Register(ctx, "q", okHandler))

	_, err := b.Put(ctx, "q", nil, 0)
	require.NoError(t, err)

	first, err := a.Listen(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Retry(ctx, first))

	second, err := a.Listen(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NoError(t, a.Retry(ctx, second))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "job is buried after two failed deliveries")

	third, err := a.Listen(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestAdapter_TouchAndErrors(t *testing.T) {
	ctx := context.Background()
	a, b := newTestAdapter(t)
	require.NoError(t, a.Register(ctx, "q", okHandler))

	_, err := b.Put(ctx, "q", nil, 0)
	require.NoError(t, err)
	task, err := a.Listen(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Touch(ctx, task))
	require.NoError(t, a.Complete(ctx, task))

	require.ErrorIs(t, a.Touch(ctx, task), taskqueue.ErrJobNotFound)
	require.ErrorIs(t, a.Complete(ctx, task), taskqueue.ErrJobNotFound)
	require.ErrorIs(t, a.Retry(ctx, task), taskqueue.ErrJobNotFound)
}

func TestAdapter_RegisterNilHandler(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.Register(context.Background(), "q", nil)
	require.ErrorIs(t, err, api.ErrNoHandler)
}

func TestAdapter_SharedRegistry(t *testing.T) {
	reg := api.NewRegistry()
	a, _ := newTestAdapter(t, WithRegistry(reg))
	require.NoError(t, a.Register(context.Background(), "q", okHandler))

	_, ok := reg.Lookup("q")
	require.True(t, ok)
}
