package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

type memJob struct {
	id            uint64
	tube          string
	payload       []byte
	state         string
	readyAt       time.Time
	reservedUntil time.Time
	reserves      int
}

// memStore is the job table shared by every MemoryBroker opened on it, so
// several "connections" with their own watch lists can share one queue.
type memStore struct {
	mu   sync.Mutex
	seq  uint64
	jobs map[uint64]*memJob
}

// MemoryBroker is an in-process broker. It is safe for concurrent use and
// intended for tests, local runs and embedding.
type MemoryBroker struct {
	store *memStore
	opts  options
	watch *watchList
}

// Ensure MemoryBroker implements api.Broker.
var _ api.Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts ...Option) *MemoryBroker {
	o := buildOptions(5*time.Millisecond, opts)
	return &MemoryBroker{
		store: &memStore{jobs: make(map[uint64]*memJob)},
		opts:  o,
		watch: newWatchList(),
	}
}

// Conn returns another broker on the same jobs with its own, empty, watch list.
func (b *MemoryBroker) Conn() *MemoryBroker {
	return &MemoryBroker{store: b.store, opts: b.opts, watch: newWatchList()}
}

func (b *MemoryBroker) Put(_ context.Context, tube string, payload []byte, delay time.Duration) (string, error) {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.jobs[s.seq] = &memJob{
		id:      s.seq,
		tube:    tube,
		payload: append([]byte(nil), payload...),
		state:   stateReady,
		readyAt: time.Now().Add(delay),
	}
	return strconv.FormatUint(s.seq, 10), nil
}

func (b *MemoryBroker) Watch(_ context.Context, tube string) error {
	b.watch.watch(tube)
	return nil
}

func (b *MemoryBroker) Ignore(_ context.Context, tube string) error {
	b.watch.ignore(tube)
	return nil
}

func (b *MemoryBroker) Reserve(ctx context.Context, timeout time.Duration) (*api.Job, error) {
	return poll(ctx, timeout, b.opts.pollInterval, b.tryReserve)
}

func (b *MemoryBroker) tryReserve(context.Context) (*api.Job, error) {
	tubes := b.watch.list()
	if len(tubes) == 0 {
		return nil, nil
	}
	watched := make(map[string]struct{}, len(tubes))
	for _, t := range tubes {
		watched[t] = struct{}{}
	}

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*memJob
	for _, j := range s.jobs {
		if _, ok := watched[j.tube]; !ok {
			continue
		}
		switch {
		case j.state == stateReady && !j.readyAt.After(now):
		case j.state == stateReserved && !j.reservedUntil.After(now):
		default:
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].readyAt.Equal(candidates[k].readyAt) {
			return candidates[i].readyAt.Before(candidates[k].readyAt)
		}
		return candidates[i].id < candidates[k].id
	})

	j := candidates[0]
	j.state = stateReserved
	j.reservedUntil = b.opts.ttrDeadline(now)
	j.reserves++

	return &api.Job{
		ID:       strconv.FormatUint(j.id, 10),
		Tube:     j.tube,
		Payload:  append([]byte(nil), j.payload...),
		Attempts: j.reserves - 1,
	}, nil
}

// lookup returns the job with id, with the store lock held by the caller.
func (s *memStore) lookup(id string) (*memJob, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	j, ok := s.jobs[n]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	return j, nil
}

func (s *memStore) reserved(id string) (*memJob, error) {
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.state != stateReserved {
		return nil, fmt.Errorf("job %q is %s: %w", id, j.state, ErrJobNotFound)
	}
	return j, nil
}

func (b *MemoryBroker) Touch(_ context.Context, id string) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.reserved(id)
	if err != nil {
		return err
	}
	now := time.Now()
	if !j.reservedUntil.After(now) {
		return fmt.Errorf("job %q lease expired: %w", id, ErrJobNotFound)
	}
	j.reservedUntil = b.opts.ttrDeadline(now)
	return nil
}

func (b *MemoryBroker) Delete(_ context.Context, id string) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.lookup(id)
	if err != nil {
		return err
	}
	delete(s.jobs, j.id)
	return nil
}

func (b *MemoryBroker) Release(_ context.Context, id string, delay time.Duration) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.reserved(id)
	if err != nil {
		return err
	}
	j.state = stateReady
	j.readyAt = time.Now().Add(delay)
	j.reservedUntil = time.Time{}
	return nil
}

func (b *MemoryBroker) Bury(_ context.Context, id string) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.reserved(id)
	if err != nil {
		return err
	}
	j.state = stateBuried
	j.reservedUntil = time.Time{}
	return nil
}

func (b *MemoryBroker) Len(context.Context) (int, error) {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.state != stateBuried {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBroker) Close() error { return nil }
