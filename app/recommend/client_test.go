package recommend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Launches</title>
    <link>https://launch.example.com</link>
    <description>New launches</description>
    <item>
      <title>  Cafe&#769; Planner  </title>
      <link>https://launch.example.com/p/planner</link>
      <guid>planner-1</guid>
      <description>Plan your week</description>
      <category>productivity</category>
      <enclosure url="https://cdn.example.com/planner.png" length="100" type="image/png"/>
      <pubDate>Mon, 03 Mar 2025 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Second</title>
      <link>https://launch.example.com/p/second</link>
    </item>
  </channel>
</rss>`

func TestClientFetchJSON(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotAgent string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":"a","title":"Alpha","url":"https://x/a","score":0.9},{"id":"b","title":"Beta","url":"https://x/b","rank":7}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", server.Client(), "recfeed-test")
	items, err := client.GetPersonalized(context.Background(), Query{
		Limit:        10,
		Offset:       20,
		WindowDays:   7,
		ForceRefresh: true,
		ViewerToken:  "token-1",
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if gotPath != "/recommendations/personalized" {
		t.Errorf("Expected path /recommendations/personalized, got %s", gotPath)
	}
	for _, part := range []string{"limit=10", "offset=20", "window_days=7", "force_refresh=true"} {
		if !strings.Contains(gotQuery, part) {
			t.Errorf("Expected query to contain %s, got %s", part, gotQuery)
		}
	}
	if gotAuth != "Bearer token-1" {
		t.Errorf("Expected bearer token, got '%s'", gotAuth)
	}
	if gotAgent != "recfeed-test" {
		t.Errorf("Expected user agent 'recfeed-test', got '%s'", gotAgent)
	}

	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	if items[0].Rank != 21 {
		t.Errorf("Expected missing rank to be derived from offset (21), got %d", items[0].Rank)
	}
	if items[1].Rank != 7 {
		t.Errorf("Expected explicit rank 7 to be kept, got %d", items[1].Rank)
	}
}

func TestClientFetchEmptyJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	items, err := NewClient(server.URL, server.Client(), "test").GetTrending(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", items)
	}
}

func TestClientFetchRSS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	items, err := NewClient(server.URL, server.Client(), "test").GetNew(context.Background(), Query{Limit: 5})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.ID != "planner-1" {
		t.Errorf("Expected ID from GUID, got '%s'", first.ID)
	}
	if first.Title != "Café Planner" {
		t.Errorf("Expected NFC-normalized trimmed title, got %q", first.Title)
	}
	if first.ImageURL != "https://cdn.example.com/planner.png" {
		t.Errorf("Expected image from enclosure, got '%s'", first.ImageURL)
	}
	if first.Rank != 1 || items[1].Rank != 2 {
		t.Errorf("Expected ranks 1 and 2, got %d and %d", first.Rank, items[1].Rank)
	}
	if len(first.Tags) != 1 || first.Tags[0] != "productivity" {
		t.Errorf("Expected tags [productivity], got %v", first.Tags)
	}
	if first.PublishedAt == nil || !first.PublishedAt.Equal(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected published time: %v", first.PublishedAt)
	}

	if items[1].ID != "https://launch.example.com/p/second" {
		t.Errorf("Expected ID to fall back to link, got '%s'", items[1].ID)
	}
}

func TestClientFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, server.Client(), "test").GetFeed(context.Background(), Query{})
	if err == nil {
		t.Fatal("Expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("Expected error to mention status code, got: %v", err)
	}
}

func TestClientTrackPageView(t *testing.T) {
	var received PageView

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/events/page-view" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), "test")
	err := client.TrackPageView(context.Background(), PageView{Page: "home", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if received.Page != "home" || received.SessionID != "s-1" {
		t.Errorf("Unexpected page view payload: %+v", received)
	}
}

func TestClientTrackPageViewFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewClient(server.URL, server.Client(), "test").TrackPageView(context.Background(), PageView{Page: "home"})
	if err == nil {
		t.Error("Expected error for 503 response")
	}
}

func TestClientRejectsOversizedResponse(t *testing.T) {
	previous := maxResponseSize
	maxResponseSize = 64
	defer func() { maxResponseSize = previous }()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":"a","title":"` + strings.Repeat("x", 200) + `"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), "recfeed-test")
	if _, err := client.GetTrending(context.Background(), Query{Limit: 1}); err == nil {
		t.Error("Expected error for a response over the size limit")
	}
}
