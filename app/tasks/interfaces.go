package tasks

// TaskSchedulerInterface is what the application needs from the background
// cache warmer.
//
//	scheduler := NewScheduler(layoutCache, loader, deduplicator, Options{...})
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueTask(NewWarmFeedTask(...))
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}
