package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/recfeed/app/dedup"
	"github.com/lysyi3m/recfeed/app/feeds"
	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/recommend"
	"github.com/lysyi3m/recfeed/app/reveal"
	"github.com/lysyi3m/recfeed/app/session"
	"github.com/lysyi3m/recfeed/app/tracking"
)

type MockBackend struct {
	mu    sync.Mutex
	calls map[recommend.FeedType]int
	err   error
}

func NewMockBackend() *MockBackend {
	return &MockBackend{calls: make(map[recommend.FeedType]int)}
}

func (m *MockBackend) respond(feedType recommend.FeedType) ([]recommend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[feedType]++
	if m.err != nil {
		return nil, m.err
	}
	return []recommend.Item{{ID: string(feedType) + "-1", Rank: 1}}, nil
}

func (m *MockBackend) Calls(feedType recommend.FeedType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[feedType]
}

func (m *MockBackend) GetTrending(ctx context.Context, q recommend.Query) ([]recommend.Item, error) {
	return m.respond(recommend.FeedTrending)
}

func (m *MockBackend) GetPersonalized(ctx context.Context, q recommend.Query) ([]recommend.Item, error) {
	return m.respond(recommend.FeedPersonalized)
}

func (m *MockBackend) GetNew(ctx context.Context, q recommend.Query) ([]recommend.Item, error) {
	return m.respond(recommend.FeedNew)
}

func (m *MockBackend) GetCollaborative(ctx context.Context, q recommend.Query) ([]recommend.Item, error) {
	return m.respond(recommend.FeedCollaborative)
}

func (m *MockBackend) GetFeed(ctx context.Context, q recommend.Query) ([]recommend.Item, error) {
	return m.respond(recommend.FeedGeneral)
}

func (m *MockBackend) GetInterests(ctx context.Context, q recommend.Query) ([]recommend.Item, error) {
	return m.respond(recommend.FeedInterests)
}

// MockRecorder fails the first `failures` page views
type MockRecorder struct {
	mu       sync.Mutex
	failures int
	views    []recommend.PageView
	calls    int
}

func (m *MockRecorder) TrackPageView(ctx context.Context, view recommend.PageView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return errors.New("telemetry down")
	}
	m.views = append(m.views, view)
	return nil
}

func (m *MockRecorder) Views() []recommend.PageView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recommend.PageView(nil), m.views...)
}

type staticLayouts map[string]*reveal.Layout

func (s staticLayouts) GetLayout(pageName string) (*reveal.Layout, error) {
	layout, ok := s[pageName]
	if !ok {
		return nil, fmt.Errorf("layout with name '%s' not found", pageName)
	}
	return layout, nil
}

var (
	anonymous = feeds.AuthState{Initialized: true}
	signedIn  = feeds.AuthState{Initialized: true, Authenticated: true, ViewerID: "u-1", Token: "tok"}
)

func instantRetries() tracking.Options {
	return tracking.Options{
		AfterFunc: func(d time.Duration, f func()) tracking.Timer {
			return time.AfterFunc(time.Millisecond, f)
		},
	}
}

func newFixture(t *testing.T, backend *MockBackend, recorder *MockRecorder) (*Mounter, *session.Registry, *kv.MemoryStore) {
	t.Helper()

	loader := feeds.NewLoader(feeds.NewFacade(backend), dedup.New(), time.Minute)
	local := kv.NewMemoryStore()
	layouts := staticLayouts{reveal.DefaultLayoutName: reveal.DefaultLayout()}

	registry := session.NewRegistry(time.Hour)
	t.Cleanup(registry.Stop)

	return NewMounter(layouts, loader, recorder, local, instantRetries()), registry, local
}

func waitTracked(t *testing.T, recorder *MockRecorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(recorder.Views()) < want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d page views, got %d", want, len(recorder.Views()))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMountAnonymous(t *testing.T) {
	backend := NewMockBackend()
	recorder := &MockRecorder{}
	mounter, registry, _ := newFixture(t, backend, recorder)
	sess, _ := registry.GetOrCreate("")

	view, err := mounter.Mount(context.Background(), sess, "home", anonymous, false)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	if len(view.Sections) != len(reveal.DefaultLayout().Sections) {
		t.Fatalf("Expected every section, got %d", len(view.Sections))
	}

	for _, section := range view.Sections {
		switch recommend.FeedType(section.Feed) {
		case recommend.FeedPersonalized, recommend.FeedCollaborative, recommend.FeedInterests:
			if !section.Result.Skipped {
				t.Errorf("Expected %s to be skipped for anonymous viewers", section.ID)
			}
			if backend.Calls(recommend.FeedType(section.Feed)) != 0 {
				t.Errorf("Expected no backend call for %s", section.Feed)
			}
		default:
			if section.Result.Skipped || len(section.Result.Items) != 1 {
				t.Errorf("Expected %s to load, got %+v", section.ID, section.Result)
			}
			if !section.Revealed {
				t.Errorf("Expected %s to be revealed once its data resolved", section.ID)
			}
		}
	}

	waitTracked(t, recorder, 1)
	if recorder.Views()[0].Page != "home" || recorder.Views()[0].SessionID != sess.ID {
		t.Errorf("Unexpected page view %+v", recorder.Views()[0])
	}
}

func TestMountUnknownPage(t *testing.T) {
	mounter, registry, _ := newFixture(t, NewMockBackend(), &MockRecorder{})
	sess, _ := registry.GetOrCreate("")

	_, err := mounter.Mount(context.Background(), sess, "missing", anonymous, false)
	if !errors.Is(err, ErrUnknownPage) {
		t.Errorf("Expected ErrUnknownPage, got %v", err)
	}
}

func TestMountRateLimitsRepeatedLoads(t *testing.T) {
	backend := NewMockBackend()
	mounter, registry, _ := newFixture(t, backend, &MockRecorder{})
	sess, _ := registry.GetOrCreate("")

	if _, err := mounter.Mount(context.Background(), sess, "home", signedIn, false); err != nil {
		t.Fatal(err)
	}
	view, err := mounter.Mount(context.Background(), sess, "home", signedIn, false)
	if err != nil {
		t.Fatal(err)
	}

	if backend.Calls(recommend.FeedTrending) != 1 {
		t.Errorf("Expected one trending call, got %d", backend.Calls(recommend.FeedTrending))
	}
	for _, section := range view.Sections {
		if !section.Result.RateLimited {
			t.Errorf("Expected %s to be rate limited on remount", section.ID)
		}
		if len(section.Result.Items) != 1 {
			t.Errorf("Expected cached items for %s", section.ID)
		}
	}
}

func TestMountCleansStoresOnce(t *testing.T) {
	mounter, registry, local := newFixture(t, NewMockBackend(), &MockRecorder{})
	sess, _ := registry.GetOrCreate("")

	local.Set("request_count_home", "4")
	local.Set("theme", "dark")
	sess.Store.Set("socket_id", "abc")

	if _, err := mounter.Mount(context.Background(), sess, "home", anonymous, false); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := local.Get("request_count_home"); ok {
		t.Error("Expected stale counter to be removed from the local store")
	}
	if _, ok, _ := local.Get("theme"); !ok {
		t.Error("Expected unrelated key to survive cleanup")
	}
	if _, ok, _ := sess.Store.Get("socket_id"); ok {
		t.Error("Expected stale socket key to be removed from the session store")
	}

	local.Set("request_count_home", "5")
	if _, err := mounter.Mount(context.Background(), sess, "home", anonymous, false); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := local.Get("request_count_home"); !ok {
		t.Error("Expected cleanup to run only once per session")
	}
}

func TestMountBackendFailureDegrades(t *testing.T) {
	backend := NewMockBackend()
	backend.err = errors.New("connection refused")
	mounter, registry, _ := newFixture(t, backend, &MockRecorder{})
	sess, _ := registry.GetOrCreate("")

	view, err := mounter.Mount(context.Background(), sess, "home", anonymous, false)
	if err != nil {
		t.Fatalf("Expected backend failure not to fail the mount, got %v", err)
	}
	for _, section := range view.Sections {
		if section.Result.Skipped {
			continue
		}
		if !section.Result.Degraded() || len(section.Result.Items) != 0 {
			t.Errorf("Expected %s to degrade to an empty list, got %+v", section.ID, section.Result)
		}
	}
}

func TestTrackPageViewOncePerSession(t *testing.T) {
	recorder := &MockRecorder{failures: 2}
	mounter, registry, _ := newFixture(t, NewMockBackend(), recorder)
	sess, _ := registry.GetOrCreate("")

	if !mounter.TrackPageView(sess, "home", anonymous, map[string]string{"ref": "mail"}) {
		t.Fatal("Expected first page view to start tracking")
	}
	tracker := sess.Tracker("page_view:home", nil)
	select {
	case <-tracker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for page view tracking")
	}
	if state := tracker.State(); state.State != tracking.StateSucceeded || state.Attempts != 3 {
		t.Errorf("Expected success on the third attempt, got %+v", state)
	}

	if mounter.TrackPageView(sess, "home", anonymous, nil) {
		t.Error("Expected page view not to be tracked twice in one session")
	}
	if _, ok, _ := sess.Store.Get(pageViewMarkerPrefix + "home"); !ok {
		t.Error("Expected page view marker in the session store")
	}

	first := recorder.Views()[0]
	if first.Referrer != "" || first.Metadata["ref"] != "mail" {
		t.Errorf("Expected metadata to reach the page view, got %+v", first)
	}

	other, _ := registry.GetOrCreate("")
	if !mounter.TrackPageView(other, "home", anonymous, nil) {
		t.Error("Expected a new session to track its own page view")
	}
	waitTracked(t, recorder, 2)
}

func TestTrackPageViewReferrer(t *testing.T) {
	recorder := &MockRecorder{}
	mounter, registry, _ := newFixture(t, NewMockBackend(), recorder)
	sess, _ := registry.GetOrCreate("")

	mounter.TrackPageView(sess, "home", signedIn, map[string]string{"referrer": "newsletter", "campaign": "spring"})
	waitTracked(t, recorder, 1)

	view := recorder.Views()[0]
	if view.Referrer != "newsletter" {
		t.Errorf("Expected referrer field to be set, got %q", view.Referrer)
	}
	if _, ok := view.Metadata["referrer"]; ok {
		t.Error("Expected referrer not to be duplicated in metadata")
	}
	if view.Metadata["campaign"] != "spring" || view.ViewerID != "u-1" {
		t.Errorf("Unexpected page view %+v", view)
	}
}

func TestStreamDeliversRevealEvents(t *testing.T) {
	mounter, registry, _ := newFixture(t, NewMockBackend(), &MockRecorder{})
	sess, _ := registry.GetOrCreate("")

	layout := &reveal.Layout{Name: "launch", Sections: []reveal.Section{
		{ID: "hero", Feed: recommend.FeedTrending, Limit: 5, WindowDays: 7},
		{ID: "fresh", Feed: recommend.FeedNew, Limit: 5, WindowDays: 7},
	}}
	mounter.layouts = staticLayouts{"launch": layout}

	_, events, err := mounter.Stream(context.Background(), sess, "launch", anonymous)
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("Stream closed after %d events", len(seen))
			}
			if event.Reason != reveal.ReasonData {
				t.Errorf("Expected data reveal, got %s", event.Reason)
			}
			seen[event.SectionID] = true
		case <-timeout:
			t.Fatal("Timed out waiting for reveal events")
		}
	}

	if _, ok := <-events; ok {
		t.Error("Expected stream to close once every section is revealed")
	}
}

func TestStreamFinishesWhileAuthInitializing(t *testing.T) {
	backend := NewMockBackend()
	mounter, registry, _ := newFixture(t, backend, &MockRecorder{})
	sess, _ := registry.GetOrCreate("")

	_, events, err := mounter.Stream(context.Background(), sess, "home", feeds.AuthState{})
	if err != nil {
		t.Fatal(err)
	}

	count := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				if count != len(reveal.DefaultLayout().Sections) {
					t.Errorf("Expected every section to be revealed, got %d events", count)
				}
				if backend.Calls(recommend.FeedTrending) != 0 {
					t.Error("Expected no backend call while auth initializes")
				}
				return
			}
			count++
		case <-timeout:
			t.Fatalf("Expected stream to finish, still open after %d events", count)
		}
	}
}

func TestMountRevealsSkippedSections(t *testing.T) {
	mounter, registry, _ := newFixture(t, NewMockBackend(), &MockRecorder{})
	sess, _ := registry.GetOrCreate("")

	view, err := mounter.Mount(context.Background(), sess, "home", anonymous, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, section := range view.Sections {
		if !section.Revealed {
			t.Errorf("Expected %s to be revealed once its load settled", section.ID)
		}
	}
}
