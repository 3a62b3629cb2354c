package session

import (
	"sync"
	"time"

	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/ratelimit"
	"github.com/lysyi3m/recfeed/app/reveal"
	"github.com/lysyi3m/recfeed/app/tracking"
)

// Session is one visitor's page session: its own store for rate-limit marks
// and tracking markers, its telemetry trackers and its reveal schedulers.
type Session struct {
	ID      string
	Store   *kv.MemoryStore
	Limiter *ratelimit.Limiter

	cleanupOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
	trackers map[string]*tracking.Tracker
	reveals  map[string]*reveal.Scheduler
	closed   bool
}

func newSession(id string, now time.Time) *Session {
	store := kv.NewMemoryStore()
	return &Session{
		ID:       id,
		Store:    store,
		Limiter:  ratelimit.NewLimiter(store),
		lastSeen: now,
		trackers: make(map[string]*tracking.Tracker),
		reveals:  make(map[string]*reveal.Scheduler),
	}
}

// CleanupOnce runs sweep the first time it is called for this session.
func (s *Session) CleanupOnce(sweep func()) {
	s.cleanupOnce.Do(sweep)
}

// Tracker returns the tracker registered under name, creating it on first use.
func (s *Session) Tracker(name string, create func() *tracking.Tracker) *tracking.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tracker, ok := s.trackers[name]; ok {
		return tracker
	}
	tracker := create()
	if s.closed {
		tracker.Close()
		return tracker
	}
	s.trackers[name] = tracker
	return tracker
}

// SetReveal installs the scheduler for page, closing the one it replaces.
func (s *Session) SetReveal(page string, scheduler *reveal.Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		scheduler.Close()
		return
	}
	if previous, ok := s.reveals[page]; ok && previous != scheduler {
		previous.Close()
	}
	s.reveals[page] = scheduler
}

func (s *Session) Reveal(page string) (*reveal.Scheduler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduler, ok := s.reveals[page]
	return scheduler, ok
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

// Close cancels pending retries and reveal timers and drops the store.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for _, tracker := range s.trackers {
		tracker.Close()
	}
	for _, scheduler := range s.reveals {
		scheduler.Close()
	}
	s.Store.Close()
}
