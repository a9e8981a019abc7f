// Package api contains the core types shared by the jobpool packages: tasks
// and handlers, the worker and queue contracts, pool state, and observers.
//
// Most users interact with the higher-level jobpool package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom worker backends, brokers and observers.
//
// # Concepts
//
//   - Task: one delivery of a broker job, bound to the Handler for its tube.
//     Its state moves from PENDING to RUNNING and ends COMPLETE or TERMINATED.
//   - Worker and WorkerFactory: an execution unit owning an ordered task queue.
//   - Broker: a beanstalkd-style job store with tubes and leases.
//   - QueueAdapter: the pool's view of a broker, yielding tasks and accepting
//     their outcomes.
//   - ReleasePolicy: how failed tasks go back to the broker.
//   - Registry: tube names mapped to handlers, shared with worker children.
//
// # Observability
//
// The Observer interface receives pool events. NoopObserver,
// LoggingObserver, BasicMetrics and CompositeObserver cover the common cases.
package api
