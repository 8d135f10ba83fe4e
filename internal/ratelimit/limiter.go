package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidKey is returned when Allow is called with an empty key.
var ErrInvalidKey = errors.New("rate limit key is required")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed     bool
	Count       int64
	Limit       int64
	WindowStart time.Time
	RetryAfter  time.Duration
}

// Window is the counter for one key in its current window.
type Window struct {
	Key   string    `json:"key"`
	Count int64     `json:"count"`
	Start time.Time `json:"window_start"`
}

// Limiter consumes one slot for key when the current window has room.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// WindowLimiter is an in-process fixed-window limiter.
type WindowLimiter struct {
	limit  int64
	window time.Duration
	now    func() time.Time

	counters  sync.Map // bucketKey -> *atomic.Int64
	lastSweep atomic.Int64
}

type bucketKey struct {
	key    string
	bucket int64
}

// Option customizes a WindowLimiter.
type Option func(*WindowLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *WindowLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewWindowLimiter allows limit calls per key in each window.
func NewWindowLimiter(limit int, window time.Duration, opts ...Option) (*WindowLimiter, error) {
	if err := validate(limit, window); err != nil {
		return nil, err
	}
	l := &WindowLimiter{limit: int64(limit), window: window, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func validate(limit int, window time.Duration) error {
	if limit < 1 {
		return fmt.Errorf("rate limit max calls must be at least 1, got %d", limit)
	}
	if window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	return nil
}

// Allow implements Limiter.
func (l *WindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{}, ErrInvalidKey
	}
	now := l.now()
	start := windowStart(now, l.window)
	bucket := start.UnixNano()
	l.sweep(bucket)

	value, _ := l.counters.LoadOrStore(bucketKey{key: key, bucket: bucket}, new(atomic.Int64))
	counter := value.(*atomic.Int64)
	decision := Decision{Limit: l.limit, WindowStart: start}
	for {
		current := counter.Load()
		if current >= l.limit {
			decision.Count = current
			decision.RetryAfter = start.Add(l.window).Sub(now)
			return decision, nil
		}
		if counter.CompareAndSwap(current, current+1) {
			decision.Allowed = true
			decision.Count = current + 1
			return decision, nil
		}
	}
}

// Snapshot returns the counter for key in the current window.
func (l *WindowLimiter) Snapshot(key string) Window {
	key = strings.TrimSpace(key)
	start := windowStart(l.now(), l.window)
	w := Window{Key: key, Start: start}
	if value, ok := l.counters.Load(bucketKey{key: key, bucket: start.UnixNano()}); ok {
		w.Count = value.(*atomic.Int64).Load()
	}
	return w
}

// sweep drops counters from elapsed windows, at most once per window.
func (l *WindowLimiter) sweep(bucket int64) {
	last := l.lastSweep.Load()
	if last == bucket || !l.lastSweep.CompareAndSwap(last, bucket) {
		return
	}
	l.counters.Range(func(k, _ any) bool {
		if k.(bucketKey).bucket < bucket {
			l.counters.Delete(k)
		}
		return true
	})
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}
