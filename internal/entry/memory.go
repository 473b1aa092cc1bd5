package entry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory for tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore(entries ...Entry) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]Entry)}
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entries {
		if existing.UniqueID == e.UniqueID {
			return ErrDuplicate
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.entries[e.ID] = *e
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return entryLess(out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) UpdateRefreshToken(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.RefreshToken = token
	s.entries[id] = e
	return nil
}

func (s *MemoryStore) ExistsUniqueID(ctx context.Context, uniqueID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.UniqueID == uniqueID {
			return true, nil
		}
	}
	return false, nil
}
