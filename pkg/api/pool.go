package api

// PoolState is the life state of a pool's main loop.
type PoolState string

const (
	PoolStopped  PoolState = "STOPPED"
	PoolRunning  PoolState = "RUNNING"
	PoolDraining PoolState = "DRAINING"
)

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	State    PoolState
	Capacity int
	Workers  int

	// Stacked is the number of tasks held by workers, reported or not.
	Stacked int

	// Slots maps populated slot indices to their queue lengths.
	Slots map[int]int
}
