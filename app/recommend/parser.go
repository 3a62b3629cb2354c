package recommend

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/text/unicode/norm"
)

// Parser turns RSS/Atom ranked feeds into items. Some recommendation
// deployments publish their feeds as syndication documents instead of JSON.
type Parser struct {
	gofeedParser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
	}
}

func (p *Parser) Run(data []byte) ([]Item, error) {
	feed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	items := make([]Item, 0, len(feed.Items))
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		normalized := p.normalizeItem(item)
		normalized.Rank = i + 1
		items = append(items, normalized)
	}

	return items, nil
}

func (p *Parser) normalizeItem(item *gofeed.Item) Item {
	normalized := Item{
		ID:      cmp.Or(item.GUID, item.Link),
		Title:   normalizeTitle(item.Title),
		URL:     item.Link,
		Summary: strings.TrimSpace(item.Description),
	}

	if item.PublishedParsed != nil {
		normalized.PublishedAt = item.PublishedParsed
	}

	if item.Categories != nil {
		normalized.Tags = item.Categories
	}

	if item.Image != nil {
		normalized.ImageURL = item.Image.URL
	} else {
		for _, enclosure := range item.Enclosures {
			if enclosure != nil && strings.HasPrefix(enclosure.Type, "image/") {
				normalized.ImageURL = enclosure.URL
				break
			}
		}
	}

	return normalized
}

// normalizeTitle folds titles to NFC so visually equal titles compare equal.
func normalizeTitle(title string) string {
	return norm.NFC.String(strings.TrimSpace(title))
}
