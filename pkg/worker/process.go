package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/jobpool/internal/ipc"
	"github.com/petrijr/jobpool/pkg/api"
)

// ProcessConfig configures process-isolated workers.
type ProcessConfig struct {
	Config

	// Command is the binary started for each worker. Empty means the current
	// executable.
	Command string

	// Args precede the record flags on the child command line. Nil means
	// []string{"worker"}, the hidden subcommand of jobpoold.
	Args []string

	// Env is appended to the parent environment.
	Env []string

	// Dir holds the IPC records. Empty means a per-parent directory under
	// os.TempDir().
	Dir string

	// Stdout and Stderr receive the child output. Nil means os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// ReadyTimeout bounds how long Start waits for the child to report that
	// its signal handlers are installed. Zero means DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

// DefaultReadyTimeout is the default ProcessConfig.ReadyTimeout.
const DefaultReadyTimeout = 10 * time.Second

// readyFD is the descriptor number the child sees its readiness pipe on.
const readyFD = 3

func (c ProcessConfig) withDefaults() (ProcessConfig, error) {
	c.Config = c.Config.withDefaults()
	if c.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return c, fmt.Errorf("%w: resolve executable: %v", api.ErrWorkerUnavailable, err)
		}
		c.Command = exe
	}
	if c.Args == nil {
		c.Args = []string{"worker"}
	}
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), fmt.Sprintf("jobpoold.%d", os.Getpid()))
	}
	if c.Stdout == nil {
		c.Stdout = os.Stderr
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	return c, nil
}

// ProcessWorker runs its tasks in a child process. The queue lives in an IPC
// record shared with the child; handlers are re-bound there by tube name.
type ProcessWorker struct {
	slot   int
	cfg    ProcessConfig
	logger *slog.Logger
	record *ipc.Record

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	shutdown bool
	exitErr  error

	done     chan struct{}
	doneOnce sync.Once
}

// Ensure ProcessWorker implements api.Worker.
var _ api.Worker = (*ProcessWorker)(nil)

// NewProcessWorker creates the IPC record for slot. The child is started by Start.
func NewProcessWorker(slot int, cfg ProcessConfig) (*ProcessWorker, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger.With(slog.Int("slot", slot))

	path := filepath.Join(cfg.Dir, fmt.Sprintf("worker.%d.%s", slot, uuid.NewString()))
	rec, err := ipc.Create(path, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrWorkerUnavailable, err)
	}

	return &ProcessWorker{
		slot:   slot,
		cfg:    cfg,
		logger: logger,
		record: rec,
		done:   make(chan struct{}),
	}, nil
}

// RecordPath returns the path of the IPC record shared with the child.
func (w *ProcessWorker) RecordPath() string { return w.record.Path() }

// Start launches the child process and waits until it is ready to receive
// SIGHUP. The child is not bound to ctx; it stops only when asked through
// Shutdown, or when its parent goes away.
func (w *ProcessWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errors.New("worker: already started")
	}
	if w.shutdown {
		return api.ErrWorkerShutdown
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		_ = w.record.Remove()
		return fmt.Errorf("%w: slot %d: %v", api.ErrWorkerUnavailable, w.slot, err)
	}
	defer func() { _ = readyR.Close() }()

	args := append([]string{}, w.cfg.Args...)
	args = append(args,
		"--record", w.record.Path(),
		"--idle", w.cfg.IdleSleep.String(),
		"--ready-fd", strconv.Itoa(readyFD),
	)

	cmd := exec.Command(w.cfg.Command, args...)
	cmd.Env = append(os.Environ(), w.cfg.Env...)
	cmd.Stdout = w.cfg.Stdout
	cmd.Stderr = w.cfg.Stderr
	cmd.ExtraFiles = []*os.File{readyW}

	err = cmd.Start()
	_ = readyW.Close()
	if err != nil {
		_ = w.record.Remove()
		return fmt.Errorf("%w: slot %d: %v", api.ErrWorkerUnavailable, w.slot, err)
	}

	if err := awaitReady(ctx, readyR, w.cfg.ReadyTimeout); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = w.record.Remove()
		return fmt.Errorf("%w: slot %d: %v", api.ErrWorkerUnavailable, w.slot, err)
	}

	w.cmd = cmd
	w.started = true
	w.logger.Debug("worker process started", slog.Int("pid", cmd.Process.Pid))

	go w.wait(cmd)
	return nil
}

// awaitReady blocks until the child writes its readiness byte. EOF means the
// child exited first.
func awaitReady(ctx context.Context, r *os.File, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		var b [1]byte
		_, err := r.Read(b[:])
		errc <- err
	}()

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("child not ready: %w", err)
		}
		return nil
	case <-tmr.C:
		return errors.New("child not ready: timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ProcessWorker) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	w.mu.Lock()
	w.exitErr = err
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("worker process exited", slog.Any("error", err))
	} else {
		w.logger.Debug("worker process exited")
	}
	w.doneOnce.Do(func() { close(w.done) })
}

func (w *ProcessWorker) Stack(t *api.Task) (int, error) {
	w.mu.Lock()
	shutdown := w.shutdown
	w.mu.Unlock()
	if shutdown || w.IsJoined() {
		return 0, fmt.Errorf("slot %d: %w", w.slot, api.ErrWorkerShutdown)
	}

	s := t.Snapshot()
	out, err := w.record.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
		return append(tasks, s)
	})
	if err != nil {
		return 0, fmt.Errorf("stack on slot %d: %w", w.slot, err)
	}
	return len(out), nil
}

func (w *ProcessWorker) Stacked() int {
	return w.record.Len()
}

// Collect evaluates c on every task in the record under the exclusive lock
// and drops the accepted ones. Once the child has exited and the record is
// empty, the record is removed.
func (w *ProcessWorker) Collect(c api.Collector) (int, error) {
	out, err := w.record.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
		kept := make([]api.TaskSnapshot, 0, len(tasks))
		for _, s := range tasks {
			if !c(api.RestoreTask(s, nil)) {
				kept = append(kept, s)
			}
		}
		return kept
	})
	if err != nil {
		if errors.Is(err, ipc.ErrMissing) {
			return 0, nil
		}
		return 0, fmt.Errorf("collect slot %d: %w", w.slot, err)
	}

	if len(out) == 0 && w.IsJoined() {
		if err := w.record.Remove(); err != nil {
			w.logger.Warn("remove ipc record", slog.Any("error", err))
		}
	}
	return len(out), nil
}

// Shutdown asks the child to finish its queue and exit by sending SIGHUP.
func (w *ProcessWorker) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shutdown {
		return nil
	}
	w.shutdown = true

	if !w.started {
		w.doneOnce.Do(func() { close(w.done) })
		return nil
	}
	if w.IsJoined() {
		return nil
	}
	if err := w.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal slot %d: %w", w.slot, err)
	}
	return nil
}

// IsShutdown reports whether shutdown was requested or the child is gone.
func (w *ProcessWorker) IsShutdown() bool {
	w.mu.Lock()
	shutdown := w.shutdown
	w.mu.Unlock()
	return shutdown || w.IsJoined()
}

func (w *ProcessWorker) IsJoined() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *ProcessWorker) IsRunning() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	return started && !w.IsJoined()
}

// Join waits for the child to exit and returns its exit error, if any.
func (w *ProcessWorker) Join(ctx context.Context) error {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.exitErr
	case <-ctx.Done():
		return fmt.Errorf("join slot %d: %w", w.slot, ctx.Err())
	}
}

// ProcessFactory creates ProcessWorkers.
type ProcessFactory struct {
	Config ProcessConfig
}

// Ensure ProcessFactory implements api.WorkerFactory.
var _ api.WorkerFactory = ProcessFactory{}

func (f ProcessFactory) NewWorker(slot int) (api.Worker, error) {
	return NewProcessWorker(slot, f.Config)
}
