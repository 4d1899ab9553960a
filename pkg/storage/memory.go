package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// MemoryStore is a thread-safe in-memory Store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Simulations and ephemeral runs where losing state on exit is fine
//
// Queues are kept unsorted and sorted lazily on the first pop after a
// publish, so a bulk publish costs one sort. Sorted queues hold the best
// query last so a pop is a truncation.
type MemoryStore struct {
	mu     sync.RWMutex
	spaces map[string]*space
	closed bool
}

type space struct {
	queue   []triplet.Scored
	index   map[[3]int]int // canonical key -> position in queue
	sorted  bool
	answers []triplet.Answer
	state   []byte
	perf    []PerfRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spaces: make(map[string]*space)}
}

// space returns the sampler's collections, creating them when create is set.
// Caller must hold m.mu.
func (m *MemoryStore) space(sampler string, create bool) *space {
	s, ok := m.spaces[sampler]
	if !ok && create {
		s = &space{index: make(map[[3]int]int), sorted: true}
		m.spaces[sampler] = s
	}
	return s
}

func (m *MemoryStore) check(ctx context.Context, sampler string) error {
	if sampler == "" {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

func (s *space) sort() {
	if s.sorted {
		return
	}
	sort.Slice(s.queue, func(i, j int) bool { return less(s.queue[j], s.queue[i]) })
	for i, q := range s.queue {
		s.index[q.Key()] = i
	}
	s.sorted = true
}

// PublishQueries upserts scored queries.
func (m *MemoryStore) PublishQueries(ctx context.Context, sampler string, qs []triplet.Scored) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return 0, err
	}
	s := m.space(sampler, true)
	written := 0
	for _, q := range qs {
		if !finite(q.Score) {
			continue
		}
		k := q.Key()
		if i, ok := s.index[k]; ok {
			s.queue[i] = q
		} else {
			s.index[k] = len(s.queue)
			s.queue = append(s.queue, q)
		}
		s.sorted = false
		written++
	}
	return written, nil
}

// TryPopQuery removes and returns the highest-scored query.
func (m *MemoryStore) TryPopQuery(ctx context.Context, sampler string) (triplet.Scored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return triplet.Scored{}, err
	}
	s := m.space(sampler, false)
	if s == nil || len(s.queue) == 0 {
		return triplet.Scored{}, ErrEmpty
	}
	s.sort()
	last := len(s.queue) - 1
	q := s.queue[last]
	s.queue = s.queue[:last]
	delete(s.index, q.Key())
	return q, nil
}

// PopQuery waits for a query.
func (m *MemoryStore) PopQuery(ctx context.Context, sampler string) (triplet.Scored, error) {
	return popBlocking(ctx, func() (triplet.Scored, error) { return m.TryPopQuery(ctx, sampler) })
}

// ClearQueries empties the sampler's queue.
func (m *MemoryStore) ClearQueries(ctx context.Context, sampler string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return err
	}
	if s := m.space(sampler, false); s != nil {
		s.queue = nil
		s.index = make(map[[3]int]int)
		s.sorted = true
	}
	return nil
}

// QueueLen counts queued queries.
func (m *MemoryStore) QueueLen(ctx context.Context, sampler string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, sampler); err != nil {
		return 0, err
	}
	if s := m.space(sampler, false); s != nil {
		return len(s.queue), nil
	}
	return 0, nil
}

// PushAnswers appends answers in order.
func (m *MemoryStore) PushAnswers(ctx context.Context, sampler string, answers []triplet.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return err
	}
	s := m.space(sampler, true)
	s.answers = append(s.answers, answers...)
	return nil
}

// DrainAnswers returns and removes every pending answer.
func (m *MemoryStore) DrainAnswers(ctx context.Context, sampler string) ([]triplet.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return nil, err
	}
	s := m.space(sampler, false)
	if s == nil {
		return nil, nil
	}
	out := s.answers
	s.answers = nil
	return out, nil
}

// SaveState stores a copy of data.
func (m *MemoryStore) SaveState(ctx context.Context, sampler string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return err
	}
	m.space(sampler, true).state = append([]byte(nil), data...)
	return nil
}

// LoadState returns a copy of the last checkpoint.
func (m *MemoryStore) LoadState(ctx context.Context, sampler string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, sampler); err != nil {
		return nil, err
	}
	s := m.space(sampler, false)
	if s == nil || s.state == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.state...), nil
}

// DeleteState removes the checkpoint.
func (m *MemoryStore) DeleteState(ctx context.Context, sampler string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return err
	}
	if s := m.space(sampler, false); s != nil {
		s.state = nil
	}
	return nil
}

// AppendPerf appends an iteration record.
func (m *MemoryStore) AppendPerf(ctx context.Context, sampler string, rec PerfRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return err
	}
	s := m.space(sampler, true)
	s.perf = append(s.perf, rec)
	return nil
}

// PerfLog returns a copy of every record in order.
func (m *MemoryStore) PerfLog(ctx context.Context, sampler string) ([]PerfRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, sampler); err != nil {
		return nil, err
	}
	s := m.space(sampler, false)
	if s == nil {
		return nil, nil
	}
	return append([]PerfRecord(nil), s.perf...), nil
}

// Clear drops every collection of the sampler.
func (m *MemoryStore) Clear(ctx context.Context, sampler string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, sampler); err != nil {
		return err
	}
	delete(m.spaces, sampler)
	return nil
}

// Close marks the store closed. Further calls return ErrStorageClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.spaces = nil
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
