package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/recfeed/app/feeds"
	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/reveal"
)

// WarmMarkerPrefix keys the last successful warm time of a target in the
// local store.
const WarmMarkerPrefix = "last_warm_"

// anonymousViewer is the auth state warm tasks fetch as. Only feeds that
// anonymous viewers may see are ever warmed.
var anonymousViewer = feeds.AuthState{Initialized: true}

// WarmFeedTask fills the shared cache for one page section so that the first
// visitor after a cache expiry does not wait on the backend.
type WarmFeedTask struct {
	Task
	Section reveal.Section
	loader  *feeds.Loader
	local   kv.Store
}

// NewWarmFeedTask builds a warm task. local may be nil.
func NewWarmFeedTask(pageName string, section reveal.Section, loader *feeds.Loader, local kv.Store) *WarmFeedTask {
	return &WarmFeedTask{
		Task:    NewTask(TaskTypeWarmFeed, pageName+"/"+section.ID),
		Section: section,
		loader:  loader,
		local:   local,
	}
}

func (t *WarmFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	result, err := t.loader.Load(ctx, nil, feeds.Request{
		FeedType:   t.Section.Feed,
		Limit:      t.Section.Limit,
		WindowDays: t.Section.WindowDays,
		Auth:       anonymousViewer,
	})
	if err != nil {
		return fmt.Errorf("failed to warm feed: %w", err)
	}

	if result.Skipped {
		slog.Debug("Feed needs a signed-in viewer, not warming", "target", t.Target, "feed", t.Section.Feed)
		return nil
	}

	if result.Degraded() {
		return fmt.Errorf("backend unavailable for %s", t.Section.Feed)
	}

	if t.local != nil {
		if err := t.local.Set(WarmMarkerPrefix+t.Target, time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("Failed to record warm time", "target", t.Target, "error", err)
		}
	}

	slog.Debug("Feed warmed", "target", t.Target, "feed", t.Section.Feed, "items", len(result.Items), "source", result.Source, "duration", t.GetDuration())

	return nil
}
