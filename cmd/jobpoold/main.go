// Command jobpoold runs a worker pool fed from a job broker.
//
// Subcommands:
//
//	run     pool, broker connection and metrics server (the daemon)
//	put     enqueue one job and exit
//	worker  child side of a process-isolated worker (started by run)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/petrijr/jobpool/internal/config"
	"github.com/petrijr/jobpool/internal/handlers"
	"github.com/petrijr/jobpool/internal/metrics"
	"github.com/petrijr/jobpool/pkg/api"
	"github.com/petrijr/jobpool/pkg/pool"
	"github.com/petrijr/jobpool/pkg/queue"
	"github.com/petrijr/jobpool/pkg/worker"
)

func main() {
	root := &cobra.Command{
		Use:   "jobpoold",
		Short: "jobpoold runs queued jobs on a bounded pool of workers",
		// Errors are logged by main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("env-file", "", "read environment from this file (default .env)")

	root.AddCommand(
		runCmd(),
		putCmd(),
		workerCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment, applies the flags that were set on cmd
// and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var files []string
	if f, _ := cmd.Flags().GetString("env-file"); f != "" {
		files = append(files, f)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("broker") {
		cfg.Broker, _ = flags.GetString("broker")
	}
	if flags.Changed("dsn") {
		cfg.DSN, _ = flags.GetString("dsn")
	}
	if flags.Changed("tubes") {
		cfg.Tubes, _ = flags.GetStringSlice("tubes")
	}
	if flags.Changed("size") {
		cfg.Size, _ = flags.GetInt("size")
	}
	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func addBrokerFlags(cmd *cobra.Command) {
	cmd.Flags().String("broker", "", "broker backend: memory, sqlite, postgres, redis or mongo")
	cmd.Flags().String("dsn", "", "broker connection string")
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newRegistry returns the handlers this binary can run. The daemon and its
// worker children must build it identically.
func newRegistry(logger *slog.Logger) *api.Registry {
	reg := api.NewRegistry()
	handlers.Register(reg, logger)
	return reg
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pool and process jobs until interrupted",
		RunE:  runPool,
	}
	addBrokerFlags(cmd)
	cmd.Flags().StringSlice("tubes", nil, "tubes to watch")
	cmd.Flags().Int("size", 0, "number of worker slots")
	cmd.Flags().String("backend", "", "worker backend: goroutine or process")
	return cmd
}

func runPool(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go logHangups(ctx, logger)

	broker, closeBroker, err := openBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer func() {
		if err := closeBroker(); err != nil {
			logger.Warn("close broker", slog.Any("error", err))
		}
	}()

	registry := newRegistry(logger)
	adapter := queue.New(broker,
		queue.WithRegistry(registry),
		queue.WithReleasePolicy(cfg.ReleasePolicy()),
		queue.WithLogger(logger),
	)
	for _, tube := range cfg.TubeList() {
		h, ok := registry.Lookup(tube)
		if !ok {
			return fmt.Errorf("tube %q: %w", tube, api.ErrNoHandler)
		}
		if err := adapter.Register(ctx, tube, h); err != nil {
			return err
		}
	}

	factory, err := newFactory(cfg, logger)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := pool.New(adapter, factory, pool.Config{
		Size:         cfg.Size,
		BufferFactor: cfg.BufferFactor,
		Timeout:      cfg.Timeout,
		JoinTimeout:  cfg.JoinTimeout,
		Logger:       logger,
		Observer: api.NewCompositeObserver(
			api.NewLoggingObserver(logger),
			metrics.NewObserver(promReg),
		),
	})
	metrics.RegisterPoolGauges(promReg, p.Stats, brokerBacklog(broker, logger))

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, promReg, p.Stats, logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("jobpoold started",
		slog.String("broker", cfg.Broker),
		slog.String("backend", cfg.Backend),
		slog.Int("size", cfg.Size),
		slog.Any("tubes", cfg.TubeList()),
	)

	// Run drains every worker once ctx is cancelled.
	return p.Run(ctx)
}

// logHangups consumes SIGHUP so it does not terminate the daemon.
func logHangups(ctx context.Context, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("received SIGHUP, ignoring")
		}
	}
}

func newFactory(cfg *config.Config, logger *slog.Logger) (api.WorkerFactory, error) {
	wcfg := worker.Config{IdleSleep: cfg.IdleSleep, Logger: logger}
	switch cfg.Backend {
	case config.BackendProcess:
		return worker.ProcessFactory{Config: worker.ProcessConfig{
			Config: wcfg,
			Dir:    cfg.IPCDir,
		}}, nil
	case config.BackendGoroutine:
		return worker.GoroutineFactory{Config: wcfg}, nil
	}
	return nil, fmt.Errorf("unknown worker backend %q", cfg.Backend)
}

func brokerBacklog(b api.Broker, logger *slog.Logger) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := b.Len(ctx)
		if err != nil {
			logger.Debug("broker length unavailable", slog.Any("error", err))
			return 0
		}
		return float64(n)
	}
}

// ── put ───────────────────────────────────────────────────────────────────────

func putCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <tube> <payload>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}
	addBrokerFlags(cmd)
	cmd.Flags().Duration("delay", 0, "make the job ready only after this delay")
	return cmd
}

func runPut(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Broker == config.BrokerMemory {
		return errors.New("put: the memory broker is private to a running daemon")
	}
	delay, _ := cmd.Flags().GetDuration("delay")

	broker, closeBroker, err := openBroker(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer closeBroker()

	id, err := broker.Put(cmd.Context(), args[0], []byte(args[1]), delay)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a process-isolated worker (started by run)",
		Hidden: true,
		RunE:   runWorker,
	}
	cmd.Flags().String("record", "", "IPC record shared with the parent")
	cmd.Flags().Duration("idle", worker.DefaultIdleSleep, "sleep when no task is pending")
	cmd.Flags().Int("ready-fd", 0, "descriptor to report readiness on")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	// The child inherits the daemon environment and only needs logging
	// settings from it.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := newLogger(cfg).With(slog.Int("pid", os.Getpid()))

	record, _ := cmd.Flags().GetString("record")
	idle, _ := cmd.Flags().GetDuration("idle")
	fd, _ := cmd.Flags().GetInt("ready-fd")

	child := worker.ChildConfig{
		RecordPath: record,
		IdleSleep:  idle,
		Registry:   newRegistry(logger),
		Logger:     logger,
	}
	if fd > 0 {
		child.Ready = os.NewFile(uintptr(fd), "ready-"+strconv.Itoa(fd))
	}
	return worker.ServeChild(context.WithoutCancel(cmd.Context()), child)
}
