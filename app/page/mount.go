// Package page mounts page sessions: it loads every section's feed, drives
// progressive reveal and records the page view once per session.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/recfeed/app/cleanup"
	"github.com/lysyi3m/recfeed/app/feeds"
	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/recommend"
	"github.com/lysyi3m/recfeed/app/reveal"
	"github.com/lysyi3m/recfeed/app/session"
	"github.com/lysyi3m/recfeed/app/tracking"
)

var ErrUnknownPage = errors.New("unknown page")

const (
	pageViewMarkerPrefix = "page_view_tracked_"
	referrerKey          = "referrer"
)

type Layouts interface {
	GetLayout(pageName string) (*reveal.Layout, error)
}

type PageViewRecorder interface {
	TrackPageView(ctx context.Context, view recommend.PageView) error
}

type SectionResult struct {
	ID            string           `json:"id"`
	Feed          string           `json:"feed"`
	RevealAfterMS int              `json:"reveal_after_ms"`
	Revealed      bool             `json:"revealed"`
	Result        feeds.FeedResult `json:"result"`
}

type View struct {
	Page      string          `json:"page"`
	SessionID string          `json:"session_id"`
	Sections  []SectionResult `json:"sections"`
	Revealed  []string        `json:"revealed"`
}

type Mounter struct {
	layouts   Layouts
	loader    *feeds.Loader
	recorder  PageViewRecorder
	local     kv.Store
	trackOpts tracking.Options
	now       func() time.Time
}

func NewMounter(layouts Layouts, loader *feeds.Loader, recorder PageViewRecorder, local kv.Store, trackOpts tracking.Options) *Mounter {
	return &Mounter{
		layouts:   layouts,
		loader:    loader,
		recorder:  recorder,
		local:     local,
		trackOpts: trackOpts,
		now:       time.Now,
	}
}

// Mount loads every section of pageName for sess and waits for the loads to
// settle. Sections still waiting on their timer are reported unrevealed.
func (m *Mounter) Mount(ctx context.Context, sess *session.Session, pageName string, auth feeds.AuthState, refresh bool) (*View, error) {
	layout, scheduler, err := m.prepare(sess, pageName)
	if err != nil {
		return nil, err
	}

	results, err := m.load(ctx, sess, layout, scheduler, auth, refresh)
	if err != nil {
		return nil, err
	}

	view := &View{
		Page:      layout.Name,
		SessionID: sess.ID,
		Sections:  make([]SectionResult, len(layout.Sections)),
		Revealed:  scheduler.Revealed(),
	}
	for i, section := range layout.Sections {
		view.Sections[i] = SectionResult{
			ID:            section.ID,
			Feed:          string(section.Feed),
			RevealAfterMS: section.RevealAt,
			Revealed:      scheduler.IsRevealed(section.ID),
			Result:        results[i],
		}
	}

	m.TrackPageView(sess, layout.Name, auth, nil)

	return view, nil
}

// Stream mounts pageName in the background and returns the reveal events as
// they happen. The channel closes once every section is revealed or the
// session goes away.
func (m *Mounter) Stream(ctx context.Context, sess *session.Session, pageName string, auth feeds.AuthState) (*reveal.Layout, <-chan reveal.Event, error) {
	layout, scheduler, err := m.prepare(sess, pageName)
	if err != nil {
		return nil, nil, err
	}

	events := scheduler.Subscribe()

	go func() {
		loadCtx := context.WithoutCancel(ctx)
		if _, err := m.load(loadCtx, sess, layout, scheduler, auth, false); err != nil {
			slog.Error("Streamed page load failed", "page", pageName, "session", sess.ID, "error", err)
			return
		}
		m.TrackPageView(sess, layout.Name, auth, nil)
	}()

	return layout, events, nil
}

// TrackPageView records a page view for sess unless one was already recorded
// for pageName. It reports whether tracking started.
func (m *Mounter) TrackPageView(sess *session.Session, pageName string, auth feeds.AuthState, metadata map[string]string) bool {
	marker := pageViewMarkerPrefix + pageName
	if _, tracked, err := sess.Store.Get(marker); err == nil && tracked {
		return false
	}

	view := recommend.PageView{
		Page:      pageName,
		SessionID: sess.ID,
		ViewedAt:  m.now(),
	}
	if auth.Authenticated {
		view.ViewerID = auth.ViewerID
	}

	tracker := sess.Tracker("page_view:"+pageName, func() *tracking.Tracker {
		action := func(ctx context.Context, md map[string]string) error {
			if err := m.recorder.TrackPageView(ctx, withMetadata(view, md)); err != nil {
				return err
			}
			if err := sess.Store.Set(marker, view.ViewedAt.Format(time.RFC3339)); err != nil {
				slog.Debug("Page view marker not stored", "page", pageName, "error", err)
			}
			return nil
		}
		return tracking.NewTracker("page_view", action, m.trackOpts)
	})

	state := tracker.State()
	if state.State != tracking.StateIdle {
		return false
	}

	tracker.TrackOnce(metadata)
	return true
}

// withMetadata moves the referrer entry of md into its own field.
func withMetadata(view recommend.PageView, md map[string]string) recommend.PageView {
	for name, value := range md {
		if name == referrerKey {
			view.Referrer = value
			continue
		}
		if view.Metadata == nil {
			view.Metadata = make(map[string]string, len(md))
		}
		view.Metadata[name] = value
	}
	return view
}

func (m *Mounter) prepare(sess *session.Session, pageName string) (*reveal.Layout, *reveal.Scheduler, error) {
	layout, err := m.layouts.GetLayout(pageName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPage, pageName)
	}

	sess.CleanupOnce(func() {
		report := cleanup.NewSweeper(map[string]kv.Store{
			"session": sess.Store,
			"local":   m.local,
		}).Run()
		slog.Debug("Session cleanup finished", "session", sess.ID, "scanned", report.Scanned, "deleted", report.Deleted, "failed", report.Failed)
	})

	scheduler := reveal.NewScheduler(layout.Sections)
	scheduler.Start()
	sess.SetReveal(layout.Name, scheduler)

	return layout, scheduler, nil
}

func (m *Mounter) load(ctx context.Context, sess *session.Session, layout *reveal.Layout, scheduler *reveal.Scheduler, auth feeds.AuthState, refresh bool) ([]feeds.FeedResult, error) {
	results := make([]feeds.FeedResult, len(layout.Sections))

	g, gctx := errgroup.WithContext(ctx)
	for i, section := range layout.Sections {
		g.Go(func() error {
			result, err := m.loader.Load(gctx, sess.Limiter, feeds.Request{
				FeedType:     section.Feed,
				Limit:        section.Limit,
				WindowDays:   section.WindowDays,
				Auth:         auth,
				ForceRefresh: refresh,
			})
			if err != nil {
				return fmt.Errorf("section %s: %w", section.ID, err)
			}
			results[i] = result

			// A skip resolves the section with no data
			scheduler.Resolve(section.ID)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
