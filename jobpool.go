package jobpool

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/jobpool/internal/taskqueue"
	"github.com/petrijr/jobpool/pkg/api"
	"github.com/petrijr/jobpool/pkg/pool"
	"github.com/petrijr/jobpool/pkg/queue"
	"github.com/petrijr/jobpool/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Task                 = api.Task
	TaskState            = api.State
	Handler              = api.Handler
	HandlerFunc          = api.HandlerFunc
	Registry             = api.Registry
	Collector            = api.Collector
	Worker               = api.Worker
	WorkerFactory        = api.WorkerFactory
	WorkerFactoryFunc    = api.WorkerFactoryFunc
	Job                  = api.Job
	Broker               = api.Broker
	QueueAdapter         = api.QueueAdapter
	ReleasePolicy        = api.ReleasePolicy
	PoolState            = api.PoolState
	PoolStats            = api.PoolStats
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Pool       = pool.Pool
	PoolConfig = pool.Config
	Adapter    = queue.Adapter

	WorkerConfig  = worker.Config
	ProcessConfig = worker.ProcessConfig
	ChildConfig   = worker.ChildConfig

	BrokerOption = taskqueue.Option
)

// Re-export common helpers.

var (
	NewTask              = api.NewTask
	NewRegistry          = api.NewRegistry
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewAdapter        = queue.New
	WithRegistry      = queue.WithRegistry
	WithReleasePolicy = queue.WithReleasePolicy
	WithLogger        = queue.WithLogger

	WithTTR          = taskqueue.WithTTR
	WithPollInterval = taskqueue.WithPollInterval

	// ServeChild is the entry point of a process worker child. Binaries that
	// use ProcessFactory call it from the subcommand named in ProcessConfig.Args.
	ServeChild = worker.ServeChild

	ErrJobNotFound = taskqueue.ErrJobNotFound
)

// Re-export state values and sentinel errors for convenience.

const (
	StatePending    = api.StatePending
	StateRunning    = api.StateRunning
	StateComplete   = api.StateComplete
	StateTerminated = api.StateTerminated

	PoolStopped  = api.PoolStopped
	PoolRunning  = api.PoolRunning
	PoolDraining = api.PoolDraining
)

var (
	ErrWorkerUnavailable = api.ErrWorkerUnavailable
	ErrNoSuchWorker      = api.ErrNoSuchWorker
	ErrNoCapacity        = api.ErrNoCapacity
	ErrWorkerShutdown    = api.ErrWorkerShutdown
	ErrNoHandler         = api.ErrNoHandler
	ErrPoolRunning       = api.ErrPoolRunning
)

// NewPool returns a stopped pool that pulls from adapter and runs tasks on
// workers made by factory.
func NewPool(adapter QueueAdapter, factory WorkerFactory, cfg PoolConfig) *Pool {
	return pool.New(adapter, factory, cfg)
}

// GoroutineWorkers returns a factory for in-process workers.
func GoroutineWorkers(cfg WorkerConfig) WorkerFactory {
	return worker.GoroutineFactory{Config: cfg}
}

// ProcessWorkers returns a factory for workers that each run in a child
// process re-executing cfg.Command.
func ProcessWorkers(cfg ProcessConfig) WorkerFactory {
	return worker.ProcessFactory{Config: cfg}
}

// Broker constructors.
// These wrap the internal/taskqueue package so external callers
// never need to import internal packages.

// NewMemoryBroker returns a broker that keeps jobs in process memory.
func NewMemoryBroker(opts ...BrokerOption) Broker {
	return taskqueue.NewMemoryBroker(opts...)
}

// NewSQLiteBroker returns a broker backed by a SQLite database. The jobs
// table is created when missing.
func NewSQLiteBroker(db *sql.DB, opts ...BrokerOption) (Broker, error) {
	return taskqueue.NewSQLiteBroker(db, opts...)
}

// NewPostgresBroker returns a broker backed by PostgreSQL.
func NewPostgresBroker(db *sql.DB, opts ...BrokerOption) (Broker, error) {
	return taskqueue.NewPostgresBroker(db, opts...)
}

// NewRedisBroker returns a broker backed by Redis. All keys start with prefix.
func NewRedisBroker(client *redis.Client, prefix string, opts ...BrokerOption) Broker {
	return taskqueue.NewRedisBroker(client, prefix, opts...)
}

// NewMongoBroker returns a broker backed by a MongoDB collection.
func NewMongoBroker(client *mongo.Client, dbName, collName string, opts ...BrokerOption) Broker {
	return taskqueue.NewMongoBroker(client, dbName, collName, opts...)
}
