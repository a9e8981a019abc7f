package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petrijr/jobpool/internal/ipc"
	"github.com/petrijr/jobpool/pkg/api"
)

// ChildConfig configures the worker loop run inside a child process.
type ChildConfig struct {
	// RecordPath is the IPC record shared with the parent.
	RecordPath string

	// IdleSleep is how long to wait when no pending task is found.
	IdleSleep time.Duration

	// Registry resolves the handler for each task by tube.
	Registry *api.Registry

	// Ready, when set, receives one byte once the signal handlers are
	// installed and is then closed.
	Ready io.WriteCloser

	Logger *slog.Logger
}

// ServeChild runs the child side of a process worker until it is told to
// stop and its record holds no pending task.
//
// SIGINT and SIGTERM are ignored: the parent decides when the child stops and
// does so with SIGHUP. A terminal Ctrl-C reaches the whole process group, and
// must not abort tasks the parent still tracks.
func ServeChild(ctx context.Context, cfg ChildConfig) error {
	signal.Ignore(os.Interrupt, syscall.SIGTERM)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if cfg.Ready != nil {
		_, err := cfg.Ready.Write([]byte{1})
		_ = cfg.Ready.Close()
		if err != nil {
			return fmt.Errorf("worker: signal readiness: %w", err)
		}
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-hup:
			close(stop)
		case <-ctx.Done():
		}
	}()

	return RunChild(ctx, cfg, stop)
}

// RunChild executes pending tasks from the record in order. Once stop is
// closed, or the parent process disappears, it drains the remaining pending
// tasks and returns.
func RunChild(ctx context.Context, cfg ChildConfig, stop <-chan struct{}) error {
	if cfg.RecordPath == "" {
		return errors.New("worker: record path is required")
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Registry == nil {
		cfg.Registry = api.NewRegistry()
	}

	logger := cfg.Logger.With(slog.Int("pid", os.Getpid()))
	rec := ipc.Open(cfg.RecordPath, logger)
	ppid := os.Getppid()
	stopping := false

	logger.Debug("worker child starting", slog.String("record", cfg.RecordPath))
	defer logger.Debug("worker child complete")

	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		if !stopping {
			select {
			case <-stop:
				stopping = true
			default:
			}
			if os.Getppid() != ppid {
				logger.Warn("parent process gone, stopping")
				stopping = true
			}
		}

		snap, ok := nextPending(rec, logger)
		if ok {
			runChildTask(ctx, rec, cfg.Registry, snap, logger)
			continue
		}
		if stopping {
			return nil
		}

		tmr.Reset(cfg.IdleSleep)
		select {
		case <-stop:
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

func nextPending(rec *ipc.Record, logger *slog.Logger) (api.TaskSnapshot, bool) {
	tasks, err := rec.Read()
	if err != nil {
		logger.Warn("read ipc record", slog.Any("error", err))
		return api.TaskSnapshot{}, false
	}
	for _, s := range tasks {
		if s.State == api.StatePending || s.State == "" {
			return s, true
		}
	}
	return api.TaskSnapshot{}, false
}

func runChildTask(ctx context.Context, rec *ipc.Record, reg *api.Registry, snap api.TaskSnapshot, logger *slog.Logger) {
	h, _ := reg.Lookup(snap.Tube)
	t := api.RestoreTask(snap, h)

	running := snap
	running.State = api.StateRunning
	if !replaceSnapshot(rec, snap.State, running, logger) {
		return
	}

	t.Run(ctx)

	if t.IsTerminated() {
		logger.Warn("task failed", slog.String("task_id", t.ID()), slog.String("error", t.Err()))
	}
	replaceSnapshot(rec, api.StateRunning, t.Snapshot(), logger)
}

// replaceSnapshot writes s over the first entry with the same id in state
// from. A redelivered job may sit in the record twice, so the id alone is not
// enough. It reports false when no such entry is left.
func replaceSnapshot(rec *ipc.Record, from api.State, s api.TaskSnapshot, logger *slog.Logger) bool {
	found := false
	_, err := rec.Update(func(tasks []api.TaskSnapshot) []api.TaskSnapshot {
		for i := range tasks {
			if tasks[i].ID == s.ID && tasks[i].State == from {
				tasks[i] = s
				found = true
				break
			}
		}
		return tasks
	})
	if err != nil {
		logger.Warn("update ipc record", slog.String("task_id", s.ID), slog.Any("error", err))
		return false
	}
	if !found {
		logger.Warn("task vanished from ipc record", slog.String("task_id", s.ID))
	}
	return found
}
