package cfg

import "time"

type Cfg struct {
	// Storage configuration
	DBPath string

	// Recommendation backend
	BackendURL     string
	BackendTimeout time.Duration

	// Application configuration
	LayoutsDir        string
	Port              string
	WorkerCount       int
	SchedulerInterval int
	WarmFeeds         []string
	APIAccessKey      string

	// Request orchestration
	RateLimitCooldown time.Duration
	SessionTTL        time.Duration
	TrackMaxRetries   int
	TrackBaseDelay    time.Duration
	TrackMaxDelay     time.Duration

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
