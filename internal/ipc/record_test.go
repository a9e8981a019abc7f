package ipc

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobpool/pkg/api"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ipc", "worker.0")
	r, err := Create(path, nil)
	require.NoError(t, err)
	return r
}

func TestRecord_CreateIsEmpty(t *testing.T) {
	r := newTestRecord(t)

	tasks, err := r.Read()
	require.NoError(t, err)
	require.Empty(t, tasks)
	require.Equal(t, 0, r.Len())
}

func TestRecord_UpdateAppendsInOrder(t *testing.T) {
	r := newTestRecord(t)

	for _, id := range []string{"1", "2", "3"} {
		out, err := r.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
			return append(tasks, api.TaskSnapshot{ID: id, Tube: "t", Payload: []byte("p" + id), State: api.StatePending})
		})
		require.NoError(t, err)
		require.Equal(t, id, out[len(out)-1].ID)
	}

	tasks, err := r.Read()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, "1", tasks[0].ID)
	require.Equal(t, "3", tasks[2].ID)
	require.Equal(t, []byte("p2"), tasks[1].Payload)
}

func TestRecord_UpdateShrinksContent(t *testing.T) {
	r := newTestRecord(t)

	_, err := r.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
		return append(tasks,
			api.TaskSnapshot{ID: "a", Payload: make([]byte, 4096)},
			api.TaskSnapshot{ID: "b", Payload: make([]byte, 4096)},
		)
	})
	require.NoError(t, err)

	_, err = r.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
		return tasks[1:]
	})
	require.NoError(t, err)

	tasks, err := r.Read()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "b", tasks[0].ID)
}

func TestRecord_MissingIsEmpty(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "nope"), nil)

	tasks, err := r.Read()
	require.NoError(t, err)
	require.Empty(t, tasks)

	_, err = r.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot { return tasks })
	require.ErrorIs(t, err, ErrMissing)
}

func TestRecord_CorruptIsSoftDegraded(t *testing.T) {
	r := newTestRecord(t)
	require.NoError(t, os.WriteFile(r.Path(), []byte("not gob at all"), 0o640))

	tasks, err := r.Read()
	require.ErrorIs(t, err, ErrCorrupt)
	require.Empty(t, tasks)
	require.Equal(t, 0, r.Len())

	out, err := r.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
		return append(tasks, api.TaskSnapshot{ID: "fresh"})
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	tasks, err = r.Read()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestRecord_ConcurrentUpdatesAreSerialized(t *testing.T) {
	r := newTestRecord(t)

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A separate handle per goroutine means a separate open file
			// description, so flock arbitrates between them.
			h := Open(r.Path(), nil)
			for i := 0; i < perWriter; i++ {
				_, err := h.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
					return append(tasks, api.TaskSnapshot{ID: "x"})
				})
				if err != nil {
					t.Errorf("Update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, writers*perWriter, r.Len())
}

func TestRecord_RemoveDeletesEmptyDir(t *testing.T) {
	r := newTestRecord(t)
	dir := filepath.Dir(r.Path())

	require.NoError(t, r.Remove())
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, r.Remove())
}
