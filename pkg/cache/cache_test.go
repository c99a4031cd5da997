package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
)

var _ storefront.Cache = (*Store)(nil)

func TestSetGetInvalidate(t *testing.T) {
	s := New()

	if _, ok := s.Get("missing"); ok {
		t.Error("Expected a miss for an unknown key")
	}

	s.Set("a", json.RawMessage(`{"x":1}`))
	v, ok := s.Get("a")
	if !ok {
		t.Fatal("Expected a hit after Set")
	}
	if string(v) != `{"x":1}` {
		t.Errorf("Unexpected value %s", v)
	}

	s.Invalidate("a")
	if _, ok := s.Get("a"); ok {
		t.Error("Expected a miss after Invalidate")
	}

	// Invalidating a missing key is a no-op.
	s.Invalidate("a")
	if s.Len() != 0 {
		t.Errorf("Expected empty cache, got %d entries", s.Len())
	}
}

func TestSetCopiesValue(t *testing.T) {
	s := New()
	raw := []byte(`{"x":1}`)
	s.Set("a", raw)
	raw[5] = '2'

	v, _ := s.Get("a")
	if string(v) != `{"x":1}` {
		t.Errorf("Cached value changed with the caller's buffer: %s", v)
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(WithTTL(time.Minute))
	s.now = func() time.Time { return now }

	s.Set("a", json.RawMessage(`1`))
	if _, ok := s.Get("a"); !ok {
		t.Fatal("Expected a hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := s.Get("a"); ok {
		t.Error("Expected a miss after expiry")
	}
	if s.Len() != 0 {
		t.Errorf("Expired entry was not evicted, %d entries left", s.Len())
	}
}

func TestExpiredGetKeepsConcurrentSet(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(WithTTL(time.Minute))
	s.now = func() time.Time { return now }

	s.Set("a", json.RawMessage(`"old"`))
	now = now.Add(2 * time.Minute)

	// Store a fresh value between Get's expiry check and its eviction.
	refreshed := false
	s.now = func() time.Time {
		if !refreshed {
			refreshed = true
			s.Set("a", json.RawMessage(`"new"`))
		}
		return now
	}

	if _, ok := s.Get("a"); ok {
		t.Fatal("Expected the expired read to miss")
	}
	v, ok := s.Get("a")
	if !ok {
		t.Fatal("Fresh value was evicted with the expired one")
	}
	if string(v) != `"new"` {
		t.Errorf("Expected the fresh value, got %s", v)
	}
}

func TestRewriteWhere(t *testing.T) {
	s := New()
	s.Set("/api/reviews?app=sol", json.RawMessage(`{"user":{"can_rate":false}}`))
	s.Set("/api/reviews?app=other", json.RawMessage(`{"user":{"can_rate":false}}`))

	n := s.RewriteWhere(
		func(key string) bool { return key == "/api/reviews?app=sol" },
		func(v json.RawMessage) json.RawMessage { return json.RawMessage(`{"user":{"can_rate":true}}`) },
	)
	if n != 1 {
		t.Errorf("Expected 1 rewritten entry, got %d", n)
	}

	if v, _ := s.Get("/api/reviews?app=sol"); string(v) != `{"user":{"can_rate":true}}` {
		t.Errorf("Matching entry not rewritten: %s", v)
	}
	if v, _ := s.Get("/api/reviews?app=other"); string(v) != `{"user":{"can_rate":false}}` {
		t.Errorf("Other entry must be untouched: %s", v)
	}

	n = s.RewriteWhere(
		func(string) bool { return true },
		func(json.RawMessage) json.RawMessage { return nil },
	)
	if n != 0 {
		t.Errorf("A nil rewrite must leave entries alone, got %d rewritten", n)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			s.Set(key, json.RawMessage(`0`))
			s.Get(key)
			s.RewriteWhere(func(k string) bool { return k == key }, func(v json.RawMessage) json.RawMessage { return v })
			s.Invalidate(key)
		}(i)
	}
	wg.Wait()

	if n := len(s.Keys()); n > 4 {
		t.Errorf("Expected at most 4 keys, got %d", n)
	}
}
