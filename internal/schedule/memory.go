package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Claims are serialized by a
// mutex, which is enough for schedulers sharing one process.
type MemoryStore struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts, now: time.Now, entries: map[string]Entry{}}
}

func (s *MemoryStore) Create(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.entries[e.ID] = e.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, e.ID)
	}
	s.entries[e.ID] = applyDefinition(cur, e, s.now())
	return nil
}

func (s *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur.Enabled = enabled
	cur.UpdatedAt = s.now()
	s.entries[id] = cur
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) Register(_ context.Context, e Entry, force bool) (RegisterResult, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cur, ok := s.entries[e.ID]
	if !ok {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		e.LastFiredAt = nil
		s.entries[e.ID] = e.clone()
		return Created, nil
	}
	res := Decide(cur, e, force)
	if res == Updated {
		s.entries[e.ID] = applyDefinition(cur, e, now)
	}
	return res, nil
}

func (s *MemoryStore) DueEntries(_ context.Context, now time.Time) ([]Due, error) {
	entries, _ := s.List(context.Background())
	var firstErr error
	due := SelectDue(entries, now, s.opts, func(e Entry, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("schedule %s: %w", e.ID, err)
		}
	})
	if len(due) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return due, nil
}

func (s *MemoryStore) MarkFired(_ context.Context, id string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !cur.Enabled {
		return ErrDuplicateScheduleClaim
	}
	if cur.LastFiredAt != nil && !claimable(*cur.LastFiredAt, firedAt, s.opts.Tolerance) {
		return ErrDuplicateScheduleClaim
	}
	t := firedAt
	cur.LastFiredAt = &t
	s.entries[id] = cur
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Decide classifies a configured entry against the persisted one.
func Decide(cur, want Entry, force bool) RegisterResult {
	if cur.SameDefinition(want) {
		return Unchanged
	}
	if !force {
		return Preserved
	}
	return Updated
}

func applyDefinition(cur, e Entry, now time.Time) Entry {
	cur.Schedule = e.Schedule
	cur.Timezone = e.Timezone
	cur.Queue = e.Queue
	cur.Handler = e.Handler
	cur.Payload = e.Payload
	cur.Enabled = e.Enabled
	cur.UpdatedAt = now
	return cur
}

var _ Store = (*MemoryStore)(nil)
