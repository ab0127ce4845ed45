package kv

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Sentinel TTL values, mirroring what Redis reports for TTL.
const (
	NoExpiry time.Duration = -1
	Missing  time.Duration = -2
)

type entry struct {
	value    []byte
	expireAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// Store is a minimal in-memory KV with per-key TTL. Expired entries are
// dropped lazily on access.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[string]*entry
}

// NewStore returns an empty store. A nil clock means wall-clock time.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock: clk,
		data:  make(map[string]*entry),
	}
}

// Put writes key, replacing any previous value and expiry. ttl <= 0 stores
// the key without expiry.
func (s *Store) Put(key string, val []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{value: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expireAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = e
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Expire sets a TTL on an existing key. It reports false when the key does
// not exist.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return false
	}
	if ttl <= 0 {
		delete(s.data, key)
		return true
	}
	e.expireAt = s.clock.Now().Add(ttl)
	return true
}

// TTL returns the remaining lifetime of key, NoExpiry for keys without a
// TTL and Missing for absent keys.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	switch {
	case !ok:
		return Missing
	case e.expireAt.IsZero():
		return NoExpiry
	default:
		return e.expireAt.Sub(s.clock.Now())
	}
}

// Keys returns the live keys starting with prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	out := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); !ok {
		return false
	}
	delete(s.data, key)
	return true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// live must be called with s.mu held.
func (s *Store) live(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.clock.Now()) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}
