package reveal

import (
	"time"

	"github.com/lysyi3m/recfeed/app/recommend"
)

// Section is one independently revealed region of a page.
type Section struct {
	ID         string             `yaml:"id" json:"id"`
	Feed       recommend.FeedType `yaml:"feed" json:"feed"`
	RevealAt   int                `yaml:"reveal_after_ms" json:"reveal_after_ms"` // 0 means data-only
	Limit      int                `yaml:"limit" json:"limit"`
	WindowDays int                `yaml:"window_days" json:"window_days"`
}

func (s Section) RevealDelay() time.Duration {
	return time.Duration(s.RevealAt) * time.Millisecond
}

type Layout struct {
	Name     string    `yaml:"-" json:"name"` // Derived from filename (without .yml extension)
	Sections []Section `yaml:"sections" json:"sections"`
}

func (l *Layout) Section(id string) (Section, bool) {
	for _, section := range l.Sections {
		if section.ID == id {
			return section, true
		}
	}
	return Section{}, false
}

type Reason string

const (
	ReasonTimer Reason = "timer"
	ReasonData  Reason = "data"
)

type Event struct {
	SectionID string    `json:"section"`
	Reason    Reason    `json:"reason"`
	At        time.Time `json:"at"`
}
