package feeds

import (
	"context"
	"log/slog"
	"time"

	"github.com/lysyi3m/recfeed/app/dedup"
	"github.com/lysyi3m/recfeed/app/ratelimit"
	"github.com/lysyi3m/recfeed/app/recommend"
)

type FeedResult struct {
	FeedType    recommend.FeedType `json:"feed"`
	Items       []recommend.Item   `json:"items"`
	Source      dedup.Source       `json:"source,omitempty"`
	FetchedAt   *time.Time         `json:"fetched_at,omitempty"`
	Skipped     bool               `json:"skipped"`
	SkipReason  SkipReason         `json:"skip_reason,omitempty"`
	RateLimited bool               `json:"rate_limited"`
	Error       string             `json:"error,omitempty"`
}

// Degraded reports whether the result stands in for a failed fetch.
func (r FeedResult) Degraded() bool {
	return r.Source == dedup.SourceFailed
}

type Loader struct {
	facade   *Facade
	dedup    *dedup.Deduplicator
	cooldown time.Duration
}

func NewLoader(facade *Facade, deduplicator *dedup.Deduplicator, cooldown time.Duration) *Loader {
	return &Loader{
		facade:   facade,
		dedup:    deduplicator,
		cooldown: cooldown,
	}
}

// Load runs skip rules, then the rate limiter (when limiter is non-nil), then
// the deduplicator. It never fails for backend problems: those yield an
// empty list with Source set to failed. Only an unknown feed type errors.
func (l *Loader) Load(ctx context.Context, limiter *ratelimit.Limiter, req Request) (FeedResult, error) {
	result := FeedResult{FeedType: req.FeedType, Items: []recommend.Item{}}

	resolution, err := l.facade.ResolveFeed(req.FeedType, req.Auth)
	if err != nil {
		return result, err
	}

	if resolution.Skip {
		result.Skipped = true
		result.SkipReason = resolution.Reason
		slog.Debug("Feed skipped", "feed", req.FeedType, "reason", resolution.Reason)
		return result, nil
	}

	key := req.Key()

	if limiter != nil {
		rlKey := req.RateLimitKey()
		if limiter.ShouldRateLimit(rlKey, l.cooldown) {
			result.RateLimited = true
			if entry, ok := l.dedup.Peek(key); ok {
				result.Items = entry.Items
				result.FetchedAt = &entry.FetchedAt
				result.Source = dedup.SourceStale
				if l.dedup.Age(entry) < resolution.TTL {
					result.Source = dedup.SourceCached
				}
			}
			slog.Debug("Feed request rate limited", "feed", req.FeedType, "key", rlKey, "cached", result.Source != "")
			return result, nil
		}
		limiter.MarkRequest(rlKey)
	}

	query := req.Query()
	producer := func(ctx context.Context) ([]recommend.Item, error) {
		return resolution.Fetcher(ctx, query)
	}

	var items []recommend.Item
	var outcome dedup.Outcome
	if req.ForceRefresh {
		items, outcome = l.dedup.ForceFetch(ctx, key, producer)
	} else {
		items, outcome = l.dedup.FetchDeduped(ctx, key, resolution.TTL, producer)
	}

	result.Items = items
	result.Source = outcome.Source
	if !outcome.FetchedAt.IsZero() {
		result.FetchedAt = &outcome.FetchedAt
	}
	if outcome.Err != nil {
		result.Error = "feed temporarily unavailable"
	}

	return result, nil
}
