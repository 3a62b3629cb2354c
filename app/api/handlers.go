package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/recfeed/app/cfg"
	"github.com/lysyi3m/recfeed/app/dedup"
	"github.com/lysyi3m/recfeed/app/feeds"
	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/page"
	"github.com/lysyi3m/recfeed/app/session"
	"github.com/lysyi3m/recfeed/app/tasks"
)

func NewHandler(layouts LayoutsInterface, loader *feeds.Loader, mounter *page.Mounter,
	sessions *session.Registry, deduplicator *dedup.Deduplicator, local kv.Store) *Handler {
	return &Handler{
		layouts:  layouts,
		loader:   loader,
		mounter:  mounter,
		sessions: sessions,
		dedup:    deduplicator,
		local:    local,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"timestamp":      time.Now().In(time.Local).Format(time.RFC3339),
		"version":        cfg.GetVersion(),
		"sessions":       h.sessions.Len(),
		"loaded_layouts": h.layouts.GetLayoutCount(),
	})
}

func (h *Handler) GetFeed(c *gin.Context) {
	feedType, err := feeds.ParseFeedType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit, err := intQuery(c, "limit", defaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}
	window, err := intQuery(c, "window", defaultWindowDays)
	if err != nil || window < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive number of days"})
		return
	}
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))

	sess := h.session(c)

	result, err := h.loader.Load(c.Request.Context(), sess.Limiter, feeds.Request{
		FeedType:     feedType,
		Limit:        limit,
		Offset:       offset,
		WindowDays:   window,
		Auth:         authState(c),
		ForceRefresh: refresh,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result.Source != "" {
		c.Header("X-Feed-Source", string(result.Source))
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetPage(c *gin.Context) {
	pageName := c.Param("page")
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))

	sess := h.session(c)

	view, err := h.mounter.Mount(c.Request.Context(), sess, pageName, authState(c), refresh)
	if err != nil {
		h.pageError(c, pageName, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// StreamPage mounts the page and pushes one server-sent event per revealed
// section, then a final "done" event.
func (h *Handler) StreamPage(c *gin.Context) {
	pageName := c.Param("page")
	sess := h.session(c)

	layout, events, err := h.mounter.Stream(c.Request.Context(), sess, pageName, authState(c))
	if err != nil {
		h.pageError(c, pageName, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("layout", layout)

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				c.SSEvent("done", gin.H{"page": layout.Name})
				return false
			}
			c.SSEvent("reveal", event)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) TrackPageView(c *gin.Context) {
	pageName := c.Param("page")
	if _, err := h.layouts.GetLayout(pageName); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Page not found"})
		return
	}

	var body pageViewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	metadata := body.Metadata
	if body.Referrer != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["referrer"] = body.Referrer
	}

	sess := h.session(c)
	started := h.mounter.TrackPageView(sess, pageName, authState(c), metadata)

	c.JSON(http.StatusAccepted, gin.H{
		"page":     pageName,
		"tracking": started,
	})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.GetHeader(headerSessionID)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Session-ID header"})
		return
	}

	if !h.sessions.Remove(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats := h.dedup.Stats()

	c.JSON(http.StatusOK, gin.H{
		"cache":          stats,
		"warmed":         h.warmTimes(),
		"sessions":       h.sessions.Len(),
		"loaded_layouts": h.layouts.GetLayoutCount(),
		"version":        cfg.GetVersion(),
	})
}

// warmTimes lists the last successful warm time per target.
func (h *Handler) warmTimes() map[string]string {
	warmed := make(map[string]string)
	if h.local == nil {
		return warmed
	}

	keys, err := h.local.Keys()
	if err != nil {
		slog.Warn("Failed to list local store keys", "error", err)
		return warmed
	}
	for _, key := range keys {
		target, ok := strings.CutPrefix(key, tasks.WarmMarkerPrefix)
		if !ok {
			continue
		}
		if value, found, err := h.local.Get(key); err == nil && found {
			warmed[target] = value
		}
	}
	return warmed
}

func (h *Handler) pageError(c *gin.Context, pageName string, err error) {
	if errors.Is(err, page.ErrUnknownPage) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Page not found"})
		return
	}
	slog.Error("Page mount failed", "page", pageName, "error", err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// session resolves the caller's page session and echoes its id back.
func (h *Handler) session(c *gin.Context) *session.Session {
	sess, created := h.sessions.GetOrCreate(c.GetHeader(headerSessionID))
	if created {
		slog.Debug("Session started", "session", sess.ID)
	}
	c.Header(headerSessionID, sess.ID)
	return sess
}

// authState reads the viewer's auth state from request headers. A missing
// X-Auth-Initialized header means the front end has settled its auth state.
func authState(c *gin.Context) feeds.AuthState {
	var token string
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	viewerID := c.GetHeader(headerViewerID)

	initialized := true
	if raw := c.GetHeader(headerAuthInitialized); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			initialized = parsed
		}
	}

	return feeds.AuthState{
		Initialized:   initialized,
		Authenticated: token != "" && viewerID != "",
		ViewerID:      viewerID,
		Token:         token,
	}
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
