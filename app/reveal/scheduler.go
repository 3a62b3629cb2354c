// Package reveal decides when each section of a page may render.
//
// A section unlocks when its timer fires or its data source resolves,
// whichever comes first. Sections unlock independently and never re-lock.
package reveal

import (
	"sync"
	"time"

	"github.com/lysyi3m/recfeed/app/recommend"
)

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

type Scheduler struct {
	sections  []Section
	afterFunc AfterFunc
	now       func() time.Time

	mu          sync.Mutex
	started     bool
	closed      bool
	revealed    map[string]Event
	order       []string
	timers      []Timer
	subscribers []chan Event
}

func NewScheduler(sections []Section) *Scheduler {
	return &Scheduler{
		sections: sections,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:      time.Now,
		revealed: make(map[string]Event, len(sections)),
	}
}

// WithAfterFunc replaces the timer factory.
func (s *Scheduler) WithAfterFunc(afterFunc AfterFunc) *Scheduler {
	s.afterFunc = afterFunc
	return s
}

// Start arms one timer per section with a positive reveal offset.
// Calling it again is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true

	for _, section := range s.sections {
		if section.RevealAt <= 0 {
			continue
		}
		id := section.ID
		s.timers = append(s.timers, s.afterFunc(section.RevealDelay(), func() {
			s.Unlock(id, ReasonTimer)
		}))
	}
}

// Unlock reveals a section. It reports whether this call revealed it;
// unknown, already revealed or closed sections return false.
func (s *Scheduler) Unlock(sectionID string, reason Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.revealed[sectionID]; ok {
		return false
	}
	if !s.known(sectionID) {
		return false
	}

	event := Event{SectionID: sectionID, Reason: reason, At: s.now()}
	s.revealed[sectionID] = event
	s.order = append(s.order, sectionID)

	// Buffers hold every section, sends never block.
	for _, ch := range s.subscribers {
		ch <- event
	}

	if len(s.revealed) == len(s.sections) {
		s.closeSubscribers()
	}

	return true
}

// Resolve unlocks a section because its data arrived.
func (s *Scheduler) Resolve(sectionID string) bool {
	return s.Unlock(sectionID, ReasonData)
}

// ResolveSource unlocks every section backed by feedType.
func (s *Scheduler) ResolveSource(feedType recommend.FeedType) {
	for _, section := range s.sections {
		if section.Feed == feedType {
			s.Unlock(section.ID, ReasonData)
		}
	}
}

func (s *Scheduler) IsRevealed(sectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.revealed[sectionID]
	return ok
}

// Revealed lists revealed sections in reveal order.
func (s *Scheduler) Revealed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.order...)
}

func (s *Scheduler) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0, len(s.order))
	for _, id := range s.order {
		events = append(events, s.revealed[id])
	}
	return events
}

// Subscribe returns a channel that replays past reveals, then delivers new
// ones. It is closed when every section is revealed or the scheduler closes.
func (s *Scheduler) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, len(s.sections))
	for _, id := range s.order {
		ch <- s.revealed[id]
	}

	if s.closed || len(s.revealed) == len(s.sections) {
		close(ch)
		return ch
	}

	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Close stops pending timers. Revealed state stays readable.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = nil
	s.closeSubscribers()
}

func (s *Scheduler) known(sectionID string) bool {
	for _, section := range s.sections {
		if section.ID == sectionID {
			return true
		}
	}
	return false
}

// closeSubscribers must be called with mu held.
func (s *Scheduler) closeSubscribers() {
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}
