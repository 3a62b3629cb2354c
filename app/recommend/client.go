package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize caps how much of a feed response is read.
var maxResponseSize int64 = 10 << 20

// Client talks to the remote recommendation service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	parser     *Parser
	userAgent  string
}

func NewClient(baseURL string, httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		parser:     NewParser(),
		userAgent:  userAgent,
	}
}

func (c *Client) GetTrending(ctx context.Context, q Query) ([]Item, error) {
	return c.fetch(ctx, FeedTrending, q)
}

func (c *Client) GetPersonalized(ctx context.Context, q Query) ([]Item, error) {
	return c.fetch(ctx, FeedPersonalized, q)
}

func (c *Client) GetNew(ctx context.Context, q Query) ([]Item, error) {
	return c.fetch(ctx, FeedNew, q)
}

func (c *Client) GetCollaborative(ctx context.Context, q Query) ([]Item, error) {
	return c.fetch(ctx, FeedCollaborative, q)
}

func (c *Client) GetFeed(ctx context.Context, q Query) ([]Item, error) {
	return c.fetch(ctx, FeedGeneral, q)
}

func (c *Client) GetInterests(ctx context.Context, q Query) ([]Item, error) {
	return c.fetch(ctx, FeedInterests, q)
}

// TrackPageView records a page view event.
func (c *Client) TrackPageView(ctx context.Context, view PageView) error {
	body, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal page view: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events/page-view", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send page view: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	return nil
}

func (c *Client) fetch(ctx context.Context, feedType FeedType, q Query) ([]Item, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.WindowDays > 0 {
		params.Set("window_days", strconv.Itoa(q.WindowDays))
	}
	if q.ForceRefresh {
		params.Set("force_refresh", "true")
	}

	endpoint := c.baseURL + "/recommendations/" + url.PathEscape(string(feedType))
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, application/rss+xml;q=0.9, application/atom+xml;q=0.9")
	if q.ViewerToken != "" {
		req.Header.Set("Authorization", "Bearer "+q.ViewerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s feed: %w", feedType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > maxResponseSize {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseSize)
	}

	if isSyndication(resp.Header.Get("Content-Type")) {
		return c.parser.Run(data)
	}

	var decoded feedResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode %s feed: %w", feedType, err)
	}

	items := decoded.Items
	if items == nil {
		items = []Item{}
	}
	for i := range items {
		items[i].Title = normalizeTitle(items[i].Title)
		if items[i].Rank == 0 {
			items[i].Rank = q.Offset + i + 1
		}
	}

	return items, nil
}

func isSyndication(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasSuffix(mediaType, "xml")
}
