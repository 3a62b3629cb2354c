package ratelimit

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/recfeed/app/kv"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// failingStore fails every operation
type failingStore struct{}

func (failingStore) Get(string) (string, bool, error) { return "", false, errors.New("storage unavailable") }
func (failingStore) Set(string, string) error         { return errors.New("storage unavailable") }
func (failingStore) Delete(string) error              { return errors.New("storage unavailable") }
func (failingStore) Keys() ([]string, error)          { return nil, errors.New("storage unavailable") }

func TestShouldRateLimitCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewLimiter(kv.NewMemoryStore()).WithClock(clock.Now)
	key := Key("trending", nil)

	if limiter.ShouldRateLimit(key, 5*time.Second) {
		t.Error("Expected no rate limit before any mark")
	}

	limiter.MarkRequest(key)

	if !limiter.ShouldRateLimit(key, 5*time.Second) {
		t.Error("Expected rate limit immediately after mark")
	}

	clock.Advance(4999 * time.Millisecond)
	if !limiter.ShouldRateLimit(key, 5*time.Second) {
		t.Error("Expected rate limit within cooldown")
	}

	clock.Advance(time.Millisecond)
	if limiter.ShouldRateLimit(key, 5*time.Second) {
		t.Error("Expected no rate limit once cooldown elapsed")
	}
}

func TestShouldRateLimitKeysIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewLimiter(kv.NewMemoryStore()).WithClock(clock.Now)

	limiter.MarkRequest(Key("trending", nil))

	if limiter.ShouldRateLimit(Key("new", nil), 5*time.Second) {
		t.Error("Expected marks on one key not to limit another")
	}
}

func TestShouldRateLimitFailsOpen(t *testing.T) {
	limiter := NewLimiter(failingStore{})

	// Must neither panic nor limit
	limiter.MarkRequest("last_api_request_trending")
	if limiter.ShouldRateLimit("last_api_request_trending", time.Hour) {
		t.Error("Expected storage failure to fail open")
	}
}

func TestShouldRateLimitCorruptMark(t *testing.T) {
	store := kv.NewMemoryStore()
	store.Set("last_api_request_trending", "not-a-number")

	limiter := NewLimiter(store)
	if limiter.ShouldRateLimit("last_api_request_trending", time.Hour) {
		t.Error("Expected unreadable mark to fail open")
	}
}

func TestKey(t *testing.T) {
	a := Key("trending", map[string]string{"limit": "10", "offset": "0"})
	b := Key("trending", map[string]string{"offset": "0", "limit": "10"})
	c := Key("trending", map[string]string{"limit": "20", "offset": "0"})

	if a != b {
		t.Errorf("Expected parameter order not to matter, got %s != %s", a, b)
	}
	if a == c {
		t.Errorf("Expected different parameters to give different keys, got %s", a)
	}
	if !strings.HasPrefix(a, KeyPrefix) {
		t.Errorf("Expected key to start with %s, got %s", KeyPrefix, a)
	}
	if Key("trending", nil) != "last_api_request_trending" {
		t.Errorf("Unexpected key without params: %s", Key("trending", nil))
	}
}

func TestKeyEscapesSeparators(t *testing.T) {
	packed := Key("trending", map[string]string{"a": "1_b=2"})
	split := Key("trending", map[string]string{"a": "1", "b": "2"})

	if packed == split {
		t.Errorf("Expected distinct parameter sets to give distinct keys, both are %s", packed)
	}
	if split != "last_api_request_trending_a=1&b=2" {
		t.Errorf("Unexpected key: %s", split)
	}
}
