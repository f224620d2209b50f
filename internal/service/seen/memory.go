package seen

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 4096
)

type (
	// MemorySet keeps at most maxEntries hashes, each for ttl.
	MemorySet struct {
		mu    sync.Mutex
		cache *lru.Cache
		ttl   time.Duration
		clock clock.Clock
	}
)

func NewMemorySet(maxEntries int, ttl time.Duration, clk clock.Clock) (*MemorySet, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}

	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemorySet{
		cache: cache,
		ttl:   ttl,
		clock: clk,
	}, nil
}

func key(session, hash string) string {
	return session + ":" + hash
}

func (s *MemorySet) Add(_ context.Context, session, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(session, hash)
	now := s.clock.Now()
	if v, ok := s.cache.Get(k); ok && now.Before(v.(time.Time)) {
		return false, nil
	}
	s.cache.Add(k, now.Add(s.ttl))
	return true, nil
}

func (s *MemorySet) Contains(_ context.Context, session, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Peek(key(session, hash))
	if !ok {
		return false, nil
	}
	return s.clock.Now().Before(v.(time.Time)), nil
}

func (s *MemorySet) Remove(_ context.Context, session, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Remove(key(session, hash))
	return nil
}

func (s *MemorySet) Len() int {
	return s.cache.Len()
}
