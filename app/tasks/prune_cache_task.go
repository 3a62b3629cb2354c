package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/lysyi3m/recfeed/app/dedup"
)

// PruneCacheTask drops cache entries too old to be served even as stale data.
type PruneCacheTask struct {
	Task
	MaxAge time.Duration
	dedup  *dedup.Deduplicator
}

func NewPruneCacheTask(maxAge time.Duration, deduplicator *dedup.Deduplicator) *PruneCacheTask {
	return &PruneCacheTask{
		Task:   NewTask(TaskTypePruneCache, "cache"),
		MaxAge: maxAge,
		dedup:  deduplicator,
	}
}

func (t *PruneCacheTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	removed := t.dedup.Prune(t.MaxAge)
	if removed > 0 {
		slog.Debug("Cache entries pruned", "removed", removed, "max_age", t.MaxAge.String())
	}
	return nil
}
