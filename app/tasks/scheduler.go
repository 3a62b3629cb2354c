package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lysyi3m/recfeed/app/dedup"
	"github.com/lysyi3m/recfeed/app/feeds"
	"github.com/lysyi3m/recfeed/app/kv"
	"github.com/lysyi3m/recfeed/app/recommend"
	"github.com/lysyi3m/recfeed/app/reveal"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type Layouts interface {
	GetLayouts() map[string]*reveal.Layout
}

type Options struct {
	WorkerCount int
	Interval    time.Duration
	WarmFeeds   []recommend.FeedType
	PruneAge    time.Duration
	Local       kv.Store
}

type Scheduler struct {
	layouts     Layouts
	loader      *feeds.Loader
	dedup       *dedup.Deduplicator
	warmFeeds   map[recommend.FeedType]bool
	local       kv.Store
	pruneAge    time.Duration
	interval    time.Duration
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface
}

func NewScheduler(layouts Layouts, loader *feeds.Loader, deduplicator *dedup.Deduplicator, opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	warmFeeds := make(map[recommend.FeedType]bool, len(opts.WarmFeeds))
	for _, feedType := range opts.WarmFeeds {
		warmFeeds[feedType] = true
	}

	if opts.PruneAge <= 0 {
		opts.PruneAge = 2 * dedup.TTLLong
	}

	return &Scheduler{
		layouts:     layouts,
		loader:      loader,
		dedup:       deduplicator,
		warmFeeds:   warmFeeds,
		local:       opts.Local,
		pruneAge:    opts.PruneAge,
		interval:    opts.Interval,
		workerCount: opts.WorkerCount,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, 300),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// warmTargets lists one section per distinct cache key among the warmable
// sections of every layout.
func (s *Scheduler) warmTargets() []*WarmFeedTask {
	layouts := s.layouts.GetLayouts()

	pageNames := make([]string, 0, len(layouts))
	for name := range layouts {
		pageNames = append(pageNames, name)
	}
	sort.Strings(pageNames)

	seen := make(map[string]bool)
	var targets []*WarmFeedTask

	for _, pageName := range pageNames {
		for _, section := range layouts[pageName].Sections {
			if !s.warmFeeds[section.Feed] {
				continue
			}

			key := feeds.Request{
				FeedType:   section.Feed,
				Limit:      section.Limit,
				WindowDays: section.WindowDays,
				Auth:       anonymousViewer,
			}.Key()
			if seen[key] {
				continue
			}
			seen[key] = true

			targets = append(targets, NewWarmFeedTask(pageName, section, s.loader, s.local))
		}
	}

	return targets
}

func (s *Scheduler) enqueueTasks() {
	targets := s.warmTargets()
	if len(targets) == 0 {
		slog.Debug("No warmable sections found")
	} else {
		slog.Debug("Scheduling cache warming", "count", len(targets))
	}

	for _, task := range targets {
		if err := s.EnqueueTask(task); err != nil {
			slog.Warn("Failed to enqueue WarmFeedTask", "target", task.GetTarget(), "error", err)
		}
	}

	if err := s.EnqueueTask(NewPruneCacheTask(s.pruneAge, s.dedup)); err != nil {
		slog.Warn("Failed to enqueue PruneCacheTask", "error", err)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	err := task.Execute(taskCtx)

	if err != nil {
		slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

		if task.CanRetry() {
			task.IncrementRetryCount()
			retryDelay := retryDelay(task.GetRetryCount())

			slog.Warn("Task retry scheduled", "type", string(task.GetType()), "target", task.GetTarget(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()

				select {
				case <-s.ctx.Done():
					slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
				case <-time.After(retryDelay):
					if retryErr := s.EnqueueTask(task); retryErr != nil {
						slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
					}
				}
			}()
		} else {
			slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		}
	}
}

// retryDelay is min(2^(retryCount-1) s, 30s).
func retryDelay(retryCount int) time.Duration {
	delay := time.Duration(1<<uint(retryCount-1)) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
