package sessionstore

import (
	"context"
	"sync"
)

// MemoryStore keeps updates in process memory. Useful for tests and for
// embedding callers that only need same-process resumption.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Update
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Update)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, u *Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateUpdate(key, u); err != nil {
		return err
	}
	c := *u
	c.Response = u.Response.Clone()

	s.mu.Lock()
	s.data[key] = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	u, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	c.Response = u.Response.Clone()
	return &c, nil
}

func (s *MemoryStore) List(ctx context.Context, pattern string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.data))
	for key, u := range s.data {
		ok, err := matchKey(pattern, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		c := *u
		c.Response = u.Response.Clone()
		out = append(out, Entry{Key: key, Update: &c})
	}
	sortEntries(out)
	return out, nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) Close() error { return nil }
