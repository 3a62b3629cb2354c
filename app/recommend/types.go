package recommend

import (
	"time"
)

type FeedType string

const (
	FeedTrending      FeedType = "trending"
	FeedPersonalized  FeedType = "personalized"
	FeedNew           FeedType = "new"
	FeedCollaborative FeedType = "collaborative"
	FeedGeneral       FeedType = "feed"
	FeedInterests     FeedType = "interests"
)

// FeedTypes lists every feed the recommendation service serves.
var FeedTypes = []FeedType{
	FeedTrending,
	FeedPersonalized,
	FeedNew,
	FeedCollaborative,
	FeedGeneral,
	FeedInterests,
}

// Item is one ranked entry of a feed.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	ImageURL    string     `json:"image_url,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Score       float64    `json:"score,omitempty"`
	Rank        int        `json:"rank"`
	Tags        []string   `json:"tags,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Query carries the paging and freshness parameters shared by all feeds.
type Query struct {
	Limit        int
	Offset       int
	WindowDays   int
	ForceRefresh bool
	ViewerToken  string // forwarded as bearer credentials, empty for anonymous viewers
}

type PageView struct {
	Page      string            `json:"page"`
	SessionID string            `json:"session_id"`
	ViewerID  string            `json:"viewer_id,omitempty"`
	Referrer  string            `json:"referrer,omitempty"`
	ViewedAt  time.Time         `json:"viewed_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type feedResponse struct {
	Items []Item `json:"items"`
}
