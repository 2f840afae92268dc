package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"
)

// An in-memory layer store.
//
// Used for tests and for builds that opt out of persistent caching; the
// store lives exactly as long as the process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[digest.Digest]Entry
}

// Creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[digest.Digest]Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, chain digest.Digest) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[chain]
	return entry, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.Chain]; ok {
		return nil
	}
	s.entries[entry.Chain] = entry
	return nil
}

func (s *MemoryStore) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *MemoryStore) Prune(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	s.entries = make(map[digest.Digest]Entry)
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
