// Package feeds maps logical feed names to backend calls and composes the
// skip rules, rate limiter and deduplicator into a single load path.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/lysyi3m/recfeed/app/dedup"
	"github.com/lysyi3m/recfeed/app/recommend"
)

var ErrUnknownFeedType = errors.New("unknown feed type")

// Backend is the recommendation service as seen by the facade.
// *recommend.Client implements it.
type Backend interface {
	GetTrending(ctx context.Context, q recommend.Query) ([]recommend.Item, error)
	GetPersonalized(ctx context.Context, q recommend.Query) ([]recommend.Item, error)
	GetNew(ctx context.Context, q recommend.Query) ([]recommend.Item, error)
	GetCollaborative(ctx context.Context, q recommend.Query) ([]recommend.Item, error)
	GetFeed(ctx context.Context, q recommend.Query) ([]recommend.Item, error)
	GetInterests(ctx context.Context, q recommend.Query) ([]recommend.Item, error)
}

var _ Backend = (*recommend.Client)(nil)

type Fetcher func(ctx context.Context, q recommend.Query) ([]recommend.Item, error)

// AuthState is what the session provider knows about the viewer.
type AuthState struct {
	Authenticated bool
	Initialized   bool
	ViewerID      string
	Token         string
}

type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipAuthInitializing SkipReason = "auth_initializing"
	SkipAnonymous        SkipReason = "anonymous"
)

type Resolution struct {
	Skip    bool
	Reason  SkipReason
	Fetcher Fetcher
	TTL     time.Duration
}

type route struct {
	fetch        Fetcher
	ttl          time.Duration
	requiresAuth bool
}

// Facade holds the feed routing table. The table is built once so the same
// logical request always maps to the same fetcher and key.
type Facade struct {
	routes map[recommend.FeedType]route
}

func NewFacade(backend Backend) *Facade {
	return &Facade{
		routes: map[recommend.FeedType]route{
			recommend.FeedTrending:      {fetch: backend.GetTrending, ttl: dedup.TTLMedium},
			recommend.FeedNew:           {fetch: backend.GetNew, ttl: dedup.TTLShort},
			recommend.FeedGeneral:       {fetch: backend.GetFeed, ttl: dedup.TTLShort},
			recommend.FeedPersonalized:  {fetch: backend.GetPersonalized, ttl: dedup.TTLShort, requiresAuth: true},
			recommend.FeedCollaborative: {fetch: backend.GetCollaborative, ttl: dedup.TTLLong, requiresAuth: true},
			recommend.FeedInterests:     {fetch: backend.GetInterests, ttl: dedup.TTLLong, requiresAuth: true},
		},
	}
}

// ResolveFeed applies the skip rules for feedType and returns its fetcher.
// Every feed waits for auth initialization; viewer-specific feeds also
// require an authenticated viewer.
func (f *Facade) ResolveFeed(feedType recommend.FeedType, auth AuthState) (Resolution, error) {
	r, ok := f.routes[feedType]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownFeedType, feedType)
	}

	resolution := Resolution{Fetcher: r.fetch, TTL: r.ttl}

	switch {
	case !auth.Initialized:
		resolution.Skip = true
		resolution.Reason = SkipAuthInitializing
	case r.requiresAuth && !auth.Authenticated:
		resolution.Skip = true
		resolution.Reason = SkipAnonymous
	}

	return resolution, nil
}

// RequiresAuth reports whether feedType is viewer-specific.
func (f *Facade) RequiresAuth(feedType recommend.FeedType) bool {
	return f.routes[feedType].requiresAuth
}

// ParseFeedType accepts feed names case-insensitively.
func ParseFeedType(raw string) (recommend.FeedType, error) {
	// Casers keep state; one per call.
	name := recommend.FeedType(cases.Fold().String(strings.TrimSpace(raw)))
	for _, feedType := range recommend.FeedTypes {
		if feedType == name {
			return feedType, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFeedType, raw)
}
