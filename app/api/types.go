package api

import (
	"github.com/lysyi3m/recfeed/app/dedup"
	"github.com/lysyi3m/recfeed/app/feeds"
	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/page"
	"github.com/lysyi3m/recfeed/app/reveal"
	"github.com/lysyi3m/recfeed/app/session"
)

const (
	headerSessionID       = "X-Session-ID"
	headerViewerID        = "X-Viewer-ID"
	headerAuthInitialized = "X-Auth-Initialized"

	defaultLimit      = 10
	maxLimit          = 100
	defaultWindowDays = 7
)

type LayoutsInterface interface {
	GetLayout(pageName string) (*reveal.Layout, error)
	GetLayoutCount() int
}

var _ LayoutsInterface = (*reveal.LayoutCache)(nil)

type Handler struct {
	layouts  LayoutsInterface
	loader   *feeds.Loader
	mounter  *page.Mounter
	sessions *session.Registry
	dedup    *dedup.Deduplicator
	local    kv.Store
}

type pageViewRequest struct {
	Referrer string            `json:"referrer"`
	Metadata map[string]string `json:"metadata"`
}
