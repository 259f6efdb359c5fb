package connmgr

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AttemptState is the throttle bookkeeping for one hostname.
type AttemptState struct {
	LastAttempt    time.Time
	WindowAttempts int
	WindowReset    time.Time
}

// StateStore persists AttemptState per hostname.
type StateStore interface {
	Get(ctx context.Context, host string) (AttemptState, bool, error)
	Put(ctx context.Context, host string, st AttemptState, ttl time.Duration) error
	Delete(ctx context.Context, host string) error
}

// DefaultStoreSize is the number of hostnames a MemoryStore tracks.
const DefaultStoreSize = 4096

// MemoryStore keeps attempt state in a bounded in-process LRU. The least
// recently attempted hosts are evicted first; ttl is not enforced since a
// stale entry only ever allows an attempt sooner.
type MemoryStore struct {
	cache *lru.Cache[string, AttemptState]
}

// NewMemoryStore creates an LRU-backed store holding up to size hosts.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultStoreSize
	}
	cache, err := lru.New[string, AttemptState](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: cache}, nil
}

func (s *MemoryStore) Get(_ context.Context, host string) (AttemptState, bool, error) {
	st, ok := s.cache.Get(host)
	return st, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, host string, st AttemptState, _ time.Duration) error {
	s.cache.Add(host, st)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, host string) error {
	s.cache.Remove(host)
	return nil
}

// Len returns the number of tracked hosts.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
