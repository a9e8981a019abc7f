// Package worker provides the execution units a pool dispatches tasks to.
//
// A worker owns an ordered queue of tasks and runs them one at a time, oldest
// pending task first. Finished tasks stay in the queue until the pool
// collects them, so an outcome is reported exactly once no matter how often
// collection runs.
//
// # Backends
//
// GoroutineWorker runs its loop in a goroutine of the calling process. It is
// the cheapest backend and the right one for trusted handlers.
//
// ProcessWorker runs its loop in a child process. The child is the current
// binary started with a hidden subcommand (see ProcessConfig.Args) that calls
// ServeChild. Parent and child share a record file holding task snapshots,
// guarded by an advisory lock. Because closures cannot cross the process
// boundary, the child resolves each task's handler by tube name from its own
// Registry.
//
// # Shutdown
//
// Shutdown is cooperative. The loop finishes the task it is running, then
// drains every task still pending, then exits; Join waits for that. A task
// that is already running is never interrupted.
//
// Process workers are stopped with SIGHUP. Children ignore SIGINT and SIGTERM
// so that a terminal interrupt, which reaches the whole process group, leaves
// the decision to the parent. A child whose parent disappears drains and
// exits on its own.
package worker
