// Package ratelimit gates repeated requests per key with a cooldown.
// Marks live in a kv.Store; every storage fault fails open.
package ratelimit

import (
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/lysyi3m/recfeed/app/kv"
)

// KeyPrefix is shared with the cleanup sweep.
const KeyPrefix = "last_api_request_"

type Limiter struct {
	store kv.Store
	now   func() time.Time
}

func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// ShouldRateLimit reports whether key was marked less than cooldown ago.
func (l *Limiter) ShouldRateLimit(key string, cooldown time.Duration) bool {
	raw, ok, err := l.store.Get(key)
	if err != nil {
		slog.Debug("Rate limit lookup failed, allowing request", "key", key, "error", err)
		return false
	}

	var last int64
	if ok {
		last, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Debug("Rate limit mark unreadable, allowing request", "key", key, "value", raw)
			return false
		}
	}

	return l.now().UnixMilli()-last < cooldown.Milliseconds()
}

func (l *Limiter) MarkRequest(key string) {
	value := strconv.FormatInt(l.now().UnixMilli(), 10)
	if err := l.store.Set(key, value); err != nil {
		slog.Debug("Rate limit mark not stored", "key", key, "error", err)
	}
}

// Key derives the mark key for an endpoint and its parameters.
// Parameters are query-encoded: sorted by name, separators escaped.
func Key(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return KeyPrefix + endpoint
	}

	values := make(url.Values, len(params))
	for name, value := range params {
		values.Set(name, value)
	}
	return KeyPrefix + endpoint + "_" + values.Encode()
}
