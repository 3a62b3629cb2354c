package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/recfeed/app/api"
	"github.com/lysyi3m/recfeed/app/cfg"
	"github.com/lysyi3m/recfeed/app/cleanup"
	"github.com/lysyi3m/recfeed/app/database"
	"github.com/lysyi3m/recfeed/app/dedup"
	"github.com/lysyi3m/recfeed/app/feeds"
	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/page"
	"github.com/lysyi3m/recfeed/app/recommend"
	"github.com/lysyi3m/recfeed/app/reveal"
	"github.com/lysyi3m/recfeed/app/session"
	"github.com/lysyi3m/recfeed/app/tasks"
	"github.com/lysyi3m/recfeed/app/tracking"
)

const localStoreNamespace = "local"

func main() {
	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if c == nil {
		// Help was shown
		return
	}

	logLevel := slog.LevelInfo
	if c.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting recfeed", "version", c.Version, "backend", c.BackendURL)

	db, err := database.NewConnection(c.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", c.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Debug("Database ready", "path", c.DBPath, "migration_version", version, "dirty", dirty)

	localStore := kv.NewSQLiteStore(db, localStoreNamespace)

	report := cleanup.NewSweeper(map[string]kv.Store{"local": localStore}).Run()
	slog.Info("Startup cleanup finished", "scanned", report.Scanned, "deleted", report.Deleted, "failed", report.Failed)

	layoutCache := reveal.NewLayoutCache(c.LayoutsDir)
	if err := layoutCache.Run(); err != nil {
		slog.Error("Failed to load page layouts", "dir", c.LayoutsDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Page layouts loaded", "count", layoutCache.GetLayoutCount())

	client := recommend.NewClient(c.BackendURL, &http.Client{Timeout: c.BackendTimeout}, c.UserAgent)
	deduplicator := dedup.New()
	loader := feeds.NewLoader(feeds.NewFacade(client), deduplicator, c.RateLimitCooldown)

	trackOpts := tracking.Options{
		MaxRetries: c.TrackMaxRetries,
		BaseDelay:  c.TrackBaseDelay,
		MaxDelay:   c.TrackMaxDelay,
	}
	if c.TrackMaxRetries == 0 {
		trackOpts.MaxRetries = -1
	}
	mounter := page.NewMounter(layoutCache, loader, client, localStore, trackOpts)

	sessions := session.NewRegistry(c.SessionTTL)
	sessions.Start(time.Minute)
	defer sessions.Stop()

	warmFeeds := make([]recommend.FeedType, 0, len(c.WarmFeeds))
	for _, raw := range c.WarmFeeds {
		feedType, err := feeds.ParseFeedType(raw)
		if err != nil {
			slog.Warn("Ignoring unknown warm feed", "feed", raw)
			continue
		}
		warmFeeds = append(warmFeeds, feedType)
	}

	scheduler := tasks.NewScheduler(layoutCache, loader, deduplicator, tasks.Options{
		WorkerCount: c.WorkerCount,
		Interval:    time.Duration(c.SchedulerInterval) * time.Second,
		WarmFeeds:   warmFeeds,
		Local:       localStore,
	})
	scheduler.Start()
	defer scheduler.Stop()
	slog.Info("Cache warming started", "workers", c.WorkerCount, "interval", c.SchedulerInterval, "feeds", warmFeeds)

	handler := api.NewHandler(layoutCache, loader, mounter, sessions, deduplicator, localStore)
	server := api.NewServer(handler, c.APIAccessKey)

	// No WriteTimeout: page streams stay open until every section is revealed
	httpServer := &http.Server{
		Addr:              ":" + c.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", c.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
