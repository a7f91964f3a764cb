// Package storage holds the keyspace and resolves reads with lazy expiry.
//
// Expired entries are removed only when a read touches them; nothing sweeps
// the keyspace in the background. Every access goes through a single
// reader/writer lock. Get takes the write side because it may delete.
package storage

import (
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/resp"
)

// Entry is one keyspace slot.
type Entry struct {
	Value   resp.Value
	Created time.Time
	TTL     optional.Value[time.Duration]
}

// ExpiresAt returns the wall-clock instant at which the entry expires.
func (e Entry) ExpiresAt() (time.Time, bool) {
	ttl, ok := e.TTL.Get()
	if !ok {
		return time.Time{}, false
	}
	return e.Created.Add(ttl), true
}

func (e Entry) expired(now time.Time) bool {
	ttl, ok := e.TTL.Get()
	return ok && now.Sub(e.Created) >= ttl
}

type Store struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	now      func() time.Time
	onExpire func(key string)
}

type Option func(*Store)

// WithClock replaces time.Now. Readings from time.Now carry a monotonic
// component, so elapsed time is unaffected by wall-clock changes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithExpireHook registers a callback invoked, under the store lock, for every
// key removed because its TTL elapsed.
func WithExpireHook(f func(key string)) Option {
	return func(s *Store) {
		s.onExpire = f
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]Entry),
		now:      time.Now,
		onExpire: func(string) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set unconditionally replaces any entry for key. A present ttl is measured
// from now.
func (s *Store) Set(key string, value resp.Value, ttl optional.Value[time.Duration]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{
		Value:   value,
		Created: s.now(),
		TTL:     ttl,
	}
}

// Get returns the value stored under key. An entry whose TTL has elapsed is
// deleted and reported as absent.
func (s *Store) Get(key string) (resp.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		s.onExpire(key)
		return nil, false
	}
	return entry.Value, true
}

// Delete removes key and reports whether a live entry was removed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	return !entry.expired(s.now())
}

// Keys returns the live keys matching pattern, in no particular order.
func (s *Store) Keys(pattern glob.Glob) []string {
	var keys []string
	s.Range(func(key string, _ Entry) bool {
		if pattern.Match(key) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

// Range calls f for every live entry until f returns false. Expired entries
// are skipped but not removed; f must not call back into the store.
func (s *Store) Range(f func(key string, entry Entry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for key, entry := range s.entries {
		if entry.expired(now) {
			continue
		}
		if !f(key, entry) {
			return
		}
	}
}

// Load replaces the whole keyspace. Entries are taken as-is, including their
// creation time.
func (s *Store) Load(entries map[string]Entry) {
	fresh := make(map[string]Entry, len(entries))
	for key, entry := range entries {
		fresh[key] = entry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = fresh
}

// Len returns the number of stored entries, including expired entries that
// have not been read since they expired.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
