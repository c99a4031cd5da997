// Package cache provides the process-wide store of prior storefront API
// responses.
//
// Entries are keyed by request URL. Readers may observe a value from before or
// after a concurrent rewrite, never a partially written one.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	value   json.RawMessage
	expires time.Time
}

// Store is an in-memory implementation of storefront.Cache.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL expires entries after d. Zero keeps entries until invalidated.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an empty cache.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached value for key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if s.expired(e) {
		s.evict(key)
		return nil, false
	}
	return e.value, true
}

func (s *Store) expired(e entry) bool {
	return !e.expires.IsZero() && s.now().After(e.expires)
}

// evict drops key if its entry is still expired. A Set that landed after the
// caller's check is kept.
func (s *Store) evict(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	evicted := ok && s.expired(e)
	if evicted {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if evicted {
		s.logger.Debug().Str("key", key).Msg("expired cache entry evicted")
	}
}

// Set stores a copy of value under key.
func (s *Store) Set(key string, value json.RawMessage) {
	e := entry{value: append(json.RawMessage(nil), value...)}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Invalidate drops the entry for key, if any.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		s.logger.Debug().Str("key", key).Msg("cache entry invalidated")
	}
}

// RewriteWhere replaces every entry whose key matches with the result of
// rewrite. A nil result leaves the entry untouched. The expiry of rewritten
// entries is preserved.
func (s *Store) RewriteWhere(match func(key string) bool, rewrite func(value json.RawMessage) json.RawMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, e := range s.entries {
		if !match(key) {
			continue
		}
		next := rewrite(append(json.RawMessage(nil), e.value...))
		if next == nil {
			continue
		}
		e.value = next
		s.entries[key] = e
		count++
	}

	if count > 0 {
		s.logger.Debug().Int("count", count).Msg("cache entries rewritten")
	}
	return count
}

// Len returns the number of entries, including expired ones not yet evicted.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns the keys currently cached.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
