// Package dedup is the process-wide request cache and in-flight
// deduplicator for feed fetches.
//
// For any key at most one producer runs at a time; callers arriving while it
// runs share its result. Successful results are cached per key and served
// until the caller-supplied TTL elapses. Failures are never cached and
// degrade to an empty list.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lysyi3m/recfeed/app/recommend"
)

// TTL classes; the caller picks one per feed type.
const (
	TTLShort  = 5 * time.Minute
	TTLMedium = 15 * time.Minute
	TTLLong   = 30 * time.Minute
)

type Source string

const (
	SourceFresh  Source = "fresh"  // producer ran for this caller
	SourceShared Source = "shared" // one producer call served several concurrent callers
	SourceCached Source = "cached" // served from a live cache entry
	SourceStale  Source = "stale"  // served from an expired entry, see Peek
	SourceFailed Source = "failed" // producer failed, empty list returned
)

// Producer performs the actual network call.
type Producer func(ctx context.Context) ([]recommend.Item, error)

// Outcome describes how a result was obtained.
type Outcome struct {
	Source    Source
	FetchedAt time.Time
	Err       error
}

type CacheEntry struct {
	Key       string
	Items     []recommend.Item
	FetchedAt time.Time
}

type result struct {
	entry  CacheEntry
	cached bool
}

type Stats struct {
	Entries   int   `json:"entries"`
	InFlight  int   `json:"in_flight"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Shared    int64 `json:"shared"`
	Failures  int64 `json:"failures"`
	Producers int64 `json:"producers"`
}

type Deduplicator struct {
	group singleflight.Group
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]CacheEntry
	waiting map[string]int

	statsMu sync.Mutex
	stats   Stats
}

func New() *Deduplicator {
	return &Deduplicator{
		now:     time.Now,
		entries: make(map[string]CacheEntry),
		waiting: make(map[string]int),
	}
}

// WithClock replaces the time source used for TTL checks.
func (d *Deduplicator) WithClock(now func() time.Time) *Deduplicator {
	d.now = now
	return d
}

// FetchDeduped returns the items for key, sharing an in-flight call when one
// exists, then a cache entry younger than ttl, and otherwise running producer.
func (d *Deduplicator) FetchDeduped(ctx context.Context, key string, ttl time.Duration, producer Producer) ([]recommend.Item, Outcome) {
	return d.fetch(ctx, key, ttl, producer, true)
}

// ForceFetch is FetchDeduped without the cache lookup. It still joins an
// in-flight call for key.
func (d *Deduplicator) ForceFetch(ctx context.Context, key string, producer Producer) ([]recommend.Item, Outcome) {
	return d.fetch(ctx, key, 0, producer, false)
}

func (d *Deduplicator) fetch(ctx context.Context, key string, ttl time.Duration, producer Producer, useCache bool) ([]recommend.Item, Outcome) {
	d.mu.Lock()
	_, inFlight := d.waiting[key]
	if !inFlight && useCache {
		if entry, ok := d.entries[key]; ok && d.now().Sub(entry.FetchedAt) < ttl {
			d.mu.Unlock()
			d.record(func(s *Stats) { s.Hits++ })
			return entry.Items, Outcome{Source: SourceCached, FetchedAt: entry.FetchedAt}
		}
	}
	d.waiting[key]++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.waiting[key]--
		if d.waiting[key] <= 0 {
			delete(d.waiting, key)
		}
		d.mu.Unlock()
	}()

	// The producer outlives any single caller; only values are inherited.
	detached := context.WithoutCancel(ctx)

	value, err, shared := d.group.Do(key, func() (any, error) {
		// A caller that saw the previous call still registered lands here after
		// that call already filled the cache.
		if useCache {
			d.mu.RLock()
			entry, ok := d.entries[key]
			d.mu.RUnlock()
			if ok && d.now().Sub(entry.FetchedAt) < ttl {
				return result{entry: entry, cached: true}, nil
			}
		}

		d.record(func(s *Stats) { s.Misses++; s.Producers++ })

		items, err := producer(detached)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []recommend.Item{}
		}

		entry := CacheEntry{Key: key, Items: items, FetchedAt: d.now()}
		d.mu.Lock()
		d.entries[key] = entry
		d.mu.Unlock()

		return result{entry: entry}, nil
	})

	if err != nil {
		d.record(func(s *Stats) { s.Failures++ })
		slog.Warn("Feed fetch failed, serving empty list", "key", key, "shared", shared, "error", err)
		return []recommend.Item{}, Outcome{Source: SourceFailed, Err: err}
	}

	res := value.(result)
	source := SourceFresh
	switch {
	case res.cached:
		source = SourceCached
		d.record(func(s *Stats) { s.Hits++ })
	case shared:
		source = SourceShared
		d.record(func(s *Stats) { s.Shared++ })
	}

	return res.entry.Items, Outcome{Source: source, FetchedAt: res.entry.FetchedAt}
}

// Peek returns the cache entry for key regardless of its age.
func (d *Deduplicator) Peek(key string) (CacheEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.entries[key]
	return entry, ok
}

// InFlight reports how many callers are waiting on key.
func (d *Deduplicator) InFlight(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.waiting[key]
}

// Age is how old entry is by the deduplicator's clock.
func (d *Deduplicator) Age(entry CacheEntry) time.Duration {
	return d.now().Sub(entry.FetchedAt)
}

func (d *Deduplicator) Invalidate(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
}

// Prune drops entries older than maxAge and returns how many were removed.
func (d *Deduplicator) Prune(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key, entry := range d.entries {
		if now.Sub(entry.FetchedAt) > maxAge {
			delete(d.entries, key)
			removed++
		}
	}
	return removed
}

func (d *Deduplicator) Stats() Stats {
	d.mu.RLock()
	entries := len(d.entries)
	inFlight := len(d.waiting)
	d.mu.RUnlock()

	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	stats := d.stats
	stats.Entries = entries
	stats.InFlight = inFlight
	return stats
}

func (d *Deduplicator) record(update func(*Stats)) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	update(&d.stats)
}
