// Package tracking runs fire-once telemetry actions with bounded
// exponential backoff.
//
// A Tracker moves through Idle -> Attempting -> (Succeeded | RetryScheduled ->
// Attempting | Exhausted). Close moves any non-terminal tracker to Closed and
// stops its pending retry timer.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	attemptTimeout    = 10 * time.Second
)

type State string

const (
	StateIdle           State = "idle"
	StateAttempting     State = "attempting"
	StateRetryScheduled State = "retry_scheduled"
	StateSucceeded      State = "succeeded"
	StateExhausted      State = "exhausted"
	StateClosed         State = "closed"
)

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateClosed
}

// Action is the telemetry call being tracked.
type Action func(ctx context.Context, metadata map[string]string) error

// Timer is the part of *time.Timer the tracker needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

// Options configure a Tracker. A zero MaxRetries means DefaultMaxRetries,
// a negative one disables retries.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	AfterFunc  AfterFunc
}

// RetryState is a snapshot of a tracker.
type RetryState struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	Attempted  bool   `json:"attempted"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

type Tracker struct {
	name      string
	action    Action
	afterFunc AfterFunc
	baseDelay time.Duration
	maxDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	attempted  bool
	retryCount int
	maxRetries int
	attempts   int
	lastErr    error
	metadata   map[string]string
	timer      Timer
}

func NewTracker(name string, action Action, opts Options) *Tracker {
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Tracker{
		name:       name,
		action:     action,
		afterFunc:  opts.AfterFunc,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateIdle,
		maxRetries: opts.MaxRetries,
	}
}

// TrackOnce starts the action unless it already started. It does not wait
// for the action to complete.
func (t *Tracker) TrackOnce(metadata map[string]string) {
	t.mu.Lock()
	if t.attempted || t.state != StateIdle {
		t.mu.Unlock()
		return
	}
	t.metadata = metadata
	t.state = StateAttempting
	t.mu.Unlock()

	go t.attempt()
}

func (t *Tracker) attempt() {
	t.mu.Lock()
	if t.state != StateAttempting {
		t.mu.Unlock()
		return
	}
	t.attempts++
	metadata := t.metadata
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, attemptTimeout)
	err := t.action(ctx, metadata)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateAttempting {
		// Closed while the action ran
		return
	}

	if err == nil {
		t.attempted = true
		t.retryCount = 0
		t.lastErr = nil
		t.finish(StateSucceeded)
		slog.Debug("Tracked action succeeded", "action", t.name, "attempts", t.attempts)
		return
	}

	t.lastErr = err

	if t.retryCount >= t.maxRetries {
		t.finish(StateExhausted)
		slog.Warn("Tracked action abandoned after maximum retries", "action", t.name, "attempts", t.attempts, "max_retries", t.maxRetries, "last_error", err)
		return
	}

	delay := t.backoff(t.retryCount)
	t.retryCount++
	t.state = StateRetryScheduled

	slog.Debug("Tracked action retry scheduled", "action", t.name, "retry_count", t.retryCount, "max_retries", t.maxRetries, "delay", delay.String(), "error", err)

	t.timer = t.afterFunc(delay, t.retry)
}

func (t *Tracker) retry() {
	t.mu.Lock()
	if t.state != StateRetryScheduled {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = StateAttempting
	t.mu.Unlock()

	t.attempt()
}

// backoff returns min(base * 2^retryCount, max).
func (t *Tracker) backoff(retryCount int) time.Duration {
	delay := t.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= t.maxDelay {
			return t.maxDelay
		}
	}
	if delay > t.maxDelay {
		return t.maxDelay
	}
	return delay
}

// finish must be called with mu held.
func (t *Tracker) finish(state State) {
	t.state = state
	close(t.done)
}

// Close cancels a pending retry and any running attempt. Terminal trackers
// are left as they are.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.terminal() {
		return
	}

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.cancel()
	t.finish(StateClosed)
}

// Done is closed once the tracker reaches a terminal state.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) State() RetryState {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := RetryState{
		Name:       t.name,
		State:      t.state,
		Attempted:  t.attempted,
		RetryCount: t.retryCount,
		MaxRetries: t.maxRetries,
		Attempts:   t.attempts,
	}
	if t.lastErr != nil {
		snapshot.LastError = t.lastErr.Error()
	}
	return snapshot
}
