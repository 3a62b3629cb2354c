package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DBPath string `long:"db-path" env:"DB_PATH" default:"./data/recfeed.db" description:"SQLite database file for the persistent local store"`

	// Recommendation backend
	BackendURL     string `long:"backend-url" env:"BACKEND_URL" description:"Base URL of the recommendation service" required:"true"`
	BackendTimeout int    `long:"backend-timeout" env:"BACKEND_TIMEOUT" default:"10" description:"Recommendation service request timeout in seconds"`

	// Application configuration
	LayoutsDir        string   `long:"layouts-dir" env:"LAYOUTS_DIR" default:"./layouts" description:"Directory containing page layout files"`
	Port              string   `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	WorkerCount       int      `long:"worker-count" env:"WORKER_COUNT" default:"3" description:"Number of background workers for cache warming"`
	SchedulerInterval int      `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"300" description:"Cache warming interval in seconds"`
	WarmFeeds         []string `long:"warm-feed" env:"WARM_FEEDS" env-delim:"," default:"trending" default:"new" default:"feed" description:"Anonymous-safe feeds to pre-fetch"`
	APIAccessKey      string   `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for the stats endpoint (optional)"`

	// Request orchestration
	RateLimitCooldown int `long:"rate-limit-cooldown" env:"RATE_LIMIT_COOLDOWN" default:"5000" description:"Minimum milliseconds between two requests for the same feed"`
	SessionTTL        int `long:"session-ttl" env:"SESSION_TTL" default:"1800" description:"Seconds of inactivity before a page session is dropped"`
	TrackMaxRetries   int `long:"track-max-retries" env:"TRACK_MAX_RETRIES" default:"3" description:"Retries for page view tracking"`
	TrackBaseDelay    int `long:"track-base-delay" env:"TRACK_BASE_DELAY" default:"1000" description:"Base page view retry delay in milliseconds"`
	TrackMaxDelay     int `long:"track-max-delay" env:"TRACK_MAX_DELAY" default:"30000" description:"Maximum page view retry delay in milliseconds"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"recfeed/1.0" description:"User agent string for backend requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	return LoadArgs(nil)
}

// LoadArgs parses the given arguments instead of os.Args when args is non-nil.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:            raw.DBPath,
		BackendURL:        raw.BackendURL,
		BackendTimeout:    time.Duration(raw.BackendTimeout) * time.Second,
		LayoutsDir:        raw.LayoutsDir,
		Port:              raw.Port,
		WorkerCount:       raw.WorkerCount,
		SchedulerInterval: raw.SchedulerInterval,
		WarmFeeds:         raw.WarmFeeds,
		APIAccessKey:      raw.APIAccessKey,
		RateLimitCooldown: time.Duration(raw.RateLimitCooldown) * time.Millisecond,
		SessionTTL:        time.Duration(raw.SessionTTL) * time.Second,
		TrackMaxRetries:   raw.TrackMaxRetries,
		TrackBaseDelay:    time.Duration(raw.TrackBaseDelay) * time.Millisecond,
		TrackMaxDelay:     time.Duration(raw.TrackMaxDelay) * time.Millisecond,
		UserAgent:         raw.UserAgent,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func validate(cfg *Cfg) error {
	nonNegativeFields := map[string]int64{
		"backend timeout":     int64(cfg.BackendTimeout),
		"rate limit cooldown": int64(cfg.RateLimitCooldown),
		"track max retries":   int64(cfg.TrackMaxRetries),
		"track base delay":    int64(cfg.TrackBaseDelay),
		"track max delay":     int64(cfg.TrackMaxDelay),
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	if cfg.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if cfg.SchedulerInterval < 1 {
		return fmt.Errorf("scheduler interval must be at least 1 second")
	}

	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
