// Package jobpool provides an embeddable worker pool that executes jobs
// pulled from a queue broker.
//
// jobpool is designed for backend services that consume background jobs from
// a broker and want a bounded, observable set of workers with at-least-once
// delivery, without writing the scheduling loop themselves.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Broker
//  2. QueueAdapter
//  3. Task and Handler
//  4. Worker
//  5. Pool
//  6. LocalRunner
//
// # Broker
//
// A Broker stores jobs in named tubes and hands them out under a
// time-to-run lease. A lease that is neither touched nor settled before it
// expires makes the job ready again, so a job is never lost when a worker
// dies. Jobs can be deleted, released with a delay, or buried.
//
// Brokers are available for several backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # QueueAdapter
//
// The adapter binds a broker to handlers. Register a Handler for a tube and
// the adapter starts watching it; Listen turns the next reservation into a
// Task bound to that handler. Task outcomes flow back through Complete,
// Retry and Touch. Retry follows a ReleasePolicy: backoff between deliveries
// and, optionally, burial after a number of failed attempts.
//
// # Task and Handler
//
// A Task is one delivery of a job. It moves from PENDING to RUNNING and ends
// COMPLETE or TERMINATED. A handler error or panic terminates the task; the
// pool then hands it back to the broker for another delivery.
//
// # Worker
//
// A Worker owns an ordered queue of tasks and runs them one at a time. Two
// backends exist:
//
//   - goroutine workers share the pool's process
//   - process workers run each slot in a child process that re-executes the
//     current binary and exchange tasks through a locked record file
//
// Process workers resolve handlers by tube name, so the child must build the
// same Registry as the parent. See ServeChild.
//
// # Pool
//
// The Pool owns a fixed number of worker slots. It pulls tasks from the
// adapter while the number of in-flight tasks is below Size × BufferFactor,
// dispatches each to the next slot in round-robin order unless another slot
// holds fewer tasks, and periodically collects finished tasks to report their
// outcome exactly once. Idle workers are shut down and reclaimed. Shutdown
// drains every worker before the pool stops.
//
// # LocalRunner
//
// LocalRunner wires an in-memory broker, an adapter and a goroutine pool
// together for tests and single-process use.
//
// # Observability
//
// Pools emit events through the Observer interface. LoggingObserver writes
// them to a slog.Logger, BasicMetrics counts them, and CompositeObserver fans
// out to several observers. The jobpoold command additionally exports them
// to Prometheus.
package jobpool
