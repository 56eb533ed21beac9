package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lborres/accountd/core"
)

type Config struct {
	// DefaultTTL applies when Put is called with a zero ttl.
	DefaultTTL time.Duration
	MaxSize    int
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Takes     int64
	Deletes   int64
	Evictions int64
	Size      int
}

// InMemoryStore is a process-local core.EphemeralStore. Entries expire
// lazily on access or when room is needed.
type InMemoryStore struct {
	entries    map[string]*record
	mu         sync.Mutex
	defaultTTL time.Duration
	maxSize    int
	now        func() time.Time

	// counters
	hits      int64
	misses    int64
	sets      int64
	takes     int64
	deletes   int64
	evictions int64
}

type record struct {
	value     []byte
	expiresAt time.Time
}

var _ core.EphemeralStore = (*InMemoryStore)(nil)

func NewInMemoryStore(c Config) *InMemoryStore {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 10 * time.Minute
	}
	if c.MaxSize == 0 {
		c.MaxSize = 10000
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &InMemoryStore{
		entries:    make(map[string]*record),
		defaultTTL: c.DefaultTTL,
		maxSize:    c.MaxSize,
		now:        c.Now,
	}
}

func (s *InMemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictLocked(now)
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	s.entries[key] = &record{value: buf, expiresAt: now.Add(ttl)}

	atomic.AddInt64(&s.sets, 1)
	return nil
}

func (s *InMemoryStore) Peek(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(key)
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrEphemeralNotFound
	}

	atomic.AddInt64(&s.hits, 1)
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, nil
}

func (s *InMemoryStore) Take(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(key)
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrEphemeralNotFound
	}

	delete(s.entries, key)
	atomic.AddInt64(&s.hits, 1)
	atomic.AddInt64(&s.takes, 1)
	return rec.value, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, existed := s.entries[key]; existed {
		delete(s.entries, key)
		atomic.AddInt64(&s.deletes, 1)
	}
	return nil
}

// liveLocked returns the entry for key, dropping it if expired.
func (s *InMemoryStore) liveLocked(key string) (*record, bool) {
	rec, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(rec.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return rec, true
}

// evictLocked drops every expired entry, or failing that the entry
// closest to expiry.
func (s *InMemoryStore) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
		dropped   bool
	)

	for k, rec := range s.entries {
		if !now.Before(rec.expiresAt) {
			delete(s.entries, k)
			atomic.AddInt64(&s.evictions, 1)
			dropped = true
			continue
		}
		if oldestKey == "" || rec.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = k, rec.expiresAt
		}
	}

	if !dropped && oldestKey != "" {
		delete(s.entries, oldestKey)
		atomic.AddInt64(&s.evictions, 1)
	}
}

func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *InMemoryStore) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&s.hits),
		Misses:    atomic.LoadInt64(&s.misses),
		Sets:      atomic.LoadInt64(&s.sets),
		Takes:     atomic.LoadInt64(&s.takes),
		Deletes:   atomic.LoadInt64(&s.deletes),
		Evictions: atomic.LoadInt64(&s.evictions),
		Size:      s.Len(),
	}
}
