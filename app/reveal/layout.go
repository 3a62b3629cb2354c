package reveal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lysyi3m/recfeed/app/recommend"
)

const (
	defaultLimit      = 10
	defaultWindowDays = 7
	DefaultLayoutName = "home"
)

// DefaultLayout is served for the home page when no home.yml exists.
func DefaultLayout() *Layout {
	return &Layout{
		Name: DefaultLayoutName,
		Sections: []Section{
			{ID: "hero", Feed: recommend.FeedTrending, RevealAt: 0, Limit: 6, WindowDays: 7},
			{ID: "for-you", Feed: recommend.FeedPersonalized, RevealAt: 300, Limit: 10, WindowDays: 30},
			{ID: "new-launches", Feed: recommend.FeedNew, RevealAt: 600, Limit: 12, WindowDays: 3},
			{ID: "similar", Feed: recommend.FeedCollaborative, RevealAt: 900, Limit: 8, WindowDays: 30},
			{ID: "interests", Feed: recommend.FeedInterests, RevealAt: 1200, Limit: 8, WindowDays: 30},
			{ID: "activity", Feed: recommend.FeedGeneral, RevealAt: 1500, Limit: 20, WindowDays: 7},
		},
	}
}

type LayoutCache struct {
	layoutsDir string
	cache      map[string]*Layout
	mu         sync.RWMutex
}

func NewLayoutCache(layoutsDir string) *LayoutCache {
	return &LayoutCache{
		layoutsDir: layoutsDir,
		cache:      make(map[string]*Layout),
	}
}

func (lc *LayoutCache) Run() error {
	if _, err := os.Stat(lc.layoutsDir); os.IsNotExist(err) {
		lc.ensureDefault()
		return nil
	}

	files, err := filepath.Glob(filepath.Join(lc.layoutsDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		fileName := filepath.Base(file)
		pageName := fileName[:len(fileName)-4]

		layout, err := lc.LoadLayout(pageName)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Layout loaded", "page", pageName, "sections", len(layout.Sections))
	}

	lc.ensureDefault()

	return nil
}

func (lc *LayoutCache) LoadLayout(pageName string) (*Layout, error) {
	layoutFile := filepath.Join(lc.layoutsDir, pageName+".yml")
	layout, err := lc.parseLayout(layoutFile)
	if err != nil {
		return nil, err
	}

	layout.Name = pageName

	if err := lc.validateLayout(layout); err != nil {
		return nil, fmt.Errorf("invalid layout %s: %w", layoutFile, err)
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.cache[layout.Name] = layout

	return layout, nil
}

func (lc *LayoutCache) GetLayout(pageName string) (*Layout, error) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	layout, ok := lc.cache[pageName]
	if !ok {
		return nil, fmt.Errorf("layout with name '%s' not found", pageName)
	}
	return layout, nil
}

func (lc *LayoutCache) GetLayouts() map[string]*Layout {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	layoutsCopy := make(map[string]*Layout, len(lc.cache))
	for k, v := range lc.cache {
		layoutsCopy[k] = v
	}
	return layoutsCopy
}

func (lc *LayoutCache) GetLayoutCount() int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return len(lc.cache)
}

func (lc *LayoutCache) ensureDefault() {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, ok := lc.cache[DefaultLayoutName]; !ok {
		lc.cache[DefaultLayoutName] = DefaultLayout()
	}
}

func (lc *LayoutCache) parseLayout(layoutFile string) (*Layout, error) {
	data, err := os.ReadFile(layoutFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i := range layout.Sections {
		if layout.Sections[i].Limit == 0 {
			layout.Sections[i].Limit = defaultLimit
		}
		if layout.Sections[i].WindowDays == 0 {
			layout.Sections[i].WindowDays = defaultWindowDays
		}
	}

	return &layout, nil
}

func (lc *LayoutCache) validateLayout(layout *Layout) error {
	if layout == nil {
		return fmt.Errorf("layout is nil")
	}

	if len(layout.Sections) == 0 {
		return fmt.Errorf("layout must have at least one section")
	}

	validFeeds := make(map[recommend.FeedType]bool, len(recommend.FeedTypes))
	for _, feedType := range recommend.FeedTypes {
		validFeeds[feedType] = true
	}

	seen := make(map[string]bool, len(layout.Sections))
	for i, section := range layout.Sections {
		if section.ID == "" {
			return fmt.Errorf("section at index %d: id is required", i)
		}
		if seen[section.ID] {
			return fmt.Errorf("section at index %d: duplicate id %s", i, section.ID)
		}
		seen[section.ID] = true

		if !validFeeds[section.Feed] {
			return fmt.Errorf("section %s: invalid feed type: %s", section.ID, section.Feed)
		}

		nonNegativeFields := map[string]int{
			"reveal_after_ms": section.RevealAt,
			"limit":           section.Limit,
			"window_days":     section.WindowDays,
		}

		for fieldName, fieldValue := range nonNegativeFields {
			if fieldValue < 0 {
				return fmt.Errorf("section %s: %s must be non-negative", section.ID, fieldName)
			}
		}
	}

	return nil
}
