// Package ipc implements the shared task record used between a pool and a
// worker process.
//
// A record is a file holding the gob-encoded, ordered list of task snapshots
// owned by one worker. Both processes follow the same protocol for every
// access: take the flock (shared to read, exclusive to modify), read the whole
// list, mutate it in memory, write the whole list back, release the lock. A
// partially written list is never observable.
//
// A missing or undecodable record is treated as an empty list. That keeps the
// pool loop alive, at the price of losing the state of whatever the record held.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/petrijr/jobpool/pkg/api"
)

var (
	// ErrMissing is returned by Update when the record file does not exist.
	ErrMissing = fmt.Errorf("ipc record missing: %w", fs.ErrNotExist)

	// ErrCorrupt is returned by Read when the record cannot be decoded.
	ErrCorrupt = errors.New("ipc record corrupt")
)

// Record is one worker's task list on disk.
type Record struct {
	path   string
	logger *slog.Logger
}

// Create makes the parent directory if needed and writes an empty record at
// path, replacing any previous content.
func Create(path string, logger *slog.Logger) (*Record, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ipc dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create ipc record: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := flock(f, lockExclusive); err != nil {
		return nil, err
	}
	defer func() { _ = funlock(f) }()

	if err := writeAll(f, nil); err != nil {
		return nil, err
	}
	return Open(path, logger), nil
}

// Open returns a handle on an existing record without touching the file.
func Open(path string, logger *slog.Logger) *Record {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Record{path: path, logger: logger}
}

// Path returns the record file path.
func (r *Record) Path() string { return r.path }

// Read returns the current task list under a shared lock. A missing record
// yields an empty list and no error; a corrupt one yields an empty list and
// ErrCorrupt.
func (r *Record) Read() ([]api.TaskSnapshot, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ipc record: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := flock(f, lockShared); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	_ = funlock(f)
	if err != nil {
		return nil, fmt.Errorf("read ipc record: %w", err)
	}

	tasks, err := decodeSnapshots(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return tasks, nil
}

// Len returns the number of tasks in the record, 0 when it is unreadable.
func (r *Record) Len() int {
	tasks, err := r.Read()
	if err != nil {
		r.logger.Warn("ipc record unreadable", slog.String("path", r.path), slog.Any("error", err))
		return 0
	}
	return len(tasks)
}

// Update applies fn to the task list while holding the exclusive lock for
// the whole read, mutate and write span, and returns the list fn produced.
func (r *Record) Update(fn func([]api.TaskSnapshot) []api.TaskSnapshot) ([]api.TaskSnapshot, error) {
	f, err := os.OpenFile(r.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("open ipc record: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := flock(f, lockExclusive); err != nil {
		return nil, err
	}
	defer func() { _ = funlock(f) }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read ipc record: %w", err)
	}
	tasks, err := decodeSnapshots(data)
	if err != nil {
		r.logger.Warn("ipc record corrupt, treating as empty",
			slog.String("path", r.path), slog.Any("error", err))
		tasks = nil
	}

	out := fn(tasks)
	if err := writeAll(f, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes the record, and its directory once no other record is left.
func (r *Record) Remove() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove ipc record: %w", err)
	}
	dir := filepath.Dir(r.path)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

// writeAll replaces the file content with the encoded list. The caller holds
// the exclusive lock.
func writeAll(f *os.File, tasks []api.TaskSnapshot) error {
	data, err := encodeSnapshots(tasks)
	if err != nil {
		return fmt.Errorf("encode ipc record: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate ipc record: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write ipc record: %w", err)
	}
	return f.Sync()
}
