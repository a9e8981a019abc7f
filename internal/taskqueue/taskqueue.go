// Package taskqueue provides the broker backends behind the queue adapter.
//
// Every backend follows beanstalkd semantics: a job lives in a named tube, a
// reservation holds a time-to-run (TTR) lease, and a lease that is neither
// touched, deleted, released nor buried before it expires makes the job ready
// again. Delivery is therefore at-least-once.
//
// Watch lists are per broker value, like a beanstalkd connection. A new broker
// watches nothing.
package taskqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

// ErrJobNotFound is returned when an operation names a job that does not
// exist or is not in the state the operation needs (e.g. touching a job that
// is not reserved).
var ErrJobNotFound = errors.New("job not found")

const (
	// DefaultTTR is the reservation lease used when none is configured.
	DefaultTTR = 60 * time.Second

	defaultPollInterval = 20 * time.Millisecond
)

// job states shared by the SQL and document backends.
const (
	stateReady    = "ready"
	stateReserved = "reserved"
	stateBuried   = "buried"
)

type options struct {
	ttr          time.Duration
	pollInterval time.Duration
}

// Option configures a broker.
type Option func(*options)

// WithTTR sets the reservation lease.
func WithTTR(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttr = d
		}
	}
}

// WithPollInterval sets how often an idle Reserve re-checks the backend.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func buildOptions(poll time.Duration, opts []Option) options {
	o := options{ttr: DefaultTTR, pollInterval: poll}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// watchList is the set of tubes a broker reserves from.
type watchList struct {
	mu    sync.RWMutex
	tubes map[string]struct{}
}

func newWatchList() *watchList {
	return &watchList{tubes: make(map[string]struct{})}
}

func (w *watchList) watch(tube string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tubes[tube] = struct{}{}
}

func (w *watchList) ignore(tube string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tubes, tube)
}

// list returns the watched tubes, sorted.
func (w *watchList) list() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.tubes))
	for t := range w.tubes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// poll calls try until it yields a job, timeout elapses or ctx is done. A
// zero timeout tries exactly once. An elapsed timeout is not an error.
func poll(ctx context.Context, timeout, interval time.Duration, try func(context.Context) (*api.Job, error)) (*api.Job, error) {
	deadline := time.Now().Add(timeout)

	// Reusable timer, initialized stopped.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		job, err := try(ctx)
		if err != nil || job != nil {
			return job, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		tmr.Reset(min(interval, remaining))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// ttrDeadline returns the lease expiry for a reservation made at now.
func (o options) ttrDeadline(now time.Time) time.Time {
	return now.Add(o.ttr)
}
