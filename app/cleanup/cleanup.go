// Package cleanup purges stale counters and marks left in client stores.
//
// The sweep is a blunt reset rather than an age-based expiry: every key with a
// known prefix is removed, regardless of when it was written.
package cleanup

import (
	"log/slog"
	"strings"

	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/ratelimit"
)

var DefaultPrefixes = []string{
	"request_count_",
	ratelimit.KeyPrefix,
	"rate_limit_warning_shown",
	"feed_distribution_",
	"socket_",
}

type Report struct {
	Scanned int
	Deleted int
	Failed  int
}

type Sweeper struct {
	stores   map[string]kv.Store
	prefixes []string
}

// NewSweeper builds a sweeper over named stores; nil stores are ignored.
func NewSweeper(stores map[string]kv.Store, prefixes ...string) *Sweeper {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}

	named := make(map[string]kv.Store, len(stores))
	for name, store := range stores {
		if store != nil {
			named[name] = store
		}
	}

	return &Sweeper{stores: named, prefixes: prefixes}
}

// Run deletes every key matching a prefix. Failures are logged and counted.
func (s *Sweeper) Run() Report {
	var report Report

	for name, store := range s.stores {
		keys, err := store.Keys()
		if err != nil {
			slog.Warn("Cleanup could not list store keys", "store", name, "error", err)
			report.Failed++
			continue
		}

		for _, key := range keys {
			report.Scanned++
			if !s.matches(key) {
				continue
			}
			if err := store.Delete(key); err != nil {
				slog.Warn("Cleanup could not delete key", "store", name, "key", key, "error", err)
				report.Failed++
				continue
			}
			report.Deleted++
		}
	}

	if report.Deleted > 0 || report.Failed > 0 {
		slog.Debug("Stale entry cleanup finished", "scanned", report.Scanned, "deleted", report.Deleted, "failed", report.Failed)
	}

	return report
}

func (s *Sweeper) matches(key string) bool {
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
