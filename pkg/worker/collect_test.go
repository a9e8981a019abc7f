package worker

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobpool/pkg/api"
)

// Collect passes run while Stack keeps appending. Every task must be reported
// exactly once and none may be lost by a pass that rewrites the queue.
func TestWorker_CollectWhileStacking(t *testing.T) {
	const n = 200

	okHandler, _ := helperRegistry().Lookup("ok")

	tests := []struct {
		name  string
		start func(t *testing.T) api.Worker
	}{
		{
			name:  "goroutine",
			start: func(t *testing.T) api.Worker { return startGoroutineWorker(t) },
		},
		{
			name: "process",
			start: func(t *testing.T) api.Worker {
				w := newHelperProcessWorker(t)
				require.NoError(t, w.Start(context.Background()))
				return w
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.start(t)

			var (
				mu       sync.Mutex
				reported = make(map[string]int)
			)
			collect := func() error {
				_, err := w.Collect(func(task *api.Task) bool {
					if !task.IsComplete() {
						return false
					}
					mu.Lock()
					reported[task.ID()]++
					mu.Unlock()
					return true
				})
				return err
			}

			stacked := make(chan struct{})
			collected := make(chan error, 1)
			go func() {
				for {
					if err := collect(); err != nil {
						collected <- err
						return
					}
					select {
					case <-stacked:
						collected <- nil
						return
					default:
					}
				}
			}()

			for i := 0; i < n; i++ {
				_, err := w.Stack(api.NewTask(strconv.Itoa(i), nil, okHandler, api.WithTube("ok")))
				require.NoError(t, err)
			}
			close(stacked)
			require.NoError(t, <-collected)

			require.Eventually(t, func() bool {
				return collect() == nil && w.Stacked() == 0
			}, 30*time.Second, 10*time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, reported, n)
			for id, count := range reported {
				require.Equal(t, 1, count, "task %s reported %d times", id, count)
			}
		})
	}
}
