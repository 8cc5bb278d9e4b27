// Package ratelimit implements per (user, platform) sliding-window admission
// control for outbound sends. State is local to the process.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"replybridge-backend/internal/models"
)

const (
	// DefaultWindow is the rolling interval over which sends are counted.
	DefaultWindow = 60 * time.Second

	// maxTrackedKeys caps the number of windows kept in memory.
	maxTrackedKeys = 4096
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Key builds the limiter key for a user sending on a platform.
func Key(userID string, platform models.Platform) string {
	return userID + "-" + string(platform)
}

// SlidingWindow admits at most limit events per key within window.
// Safe for concurrent use.
type SlidingWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     Clock
	windows map[string][]time.Time // ascending timestamps
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock overrides time.Now.
func WithClock(c Clock) Option {
	return func(s *SlidingWindow) { s.now = c }
}

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(s *SlidingWindow) { s.window = d }
}

// NewSlidingWindow creates a limiter admitting limit events per window.
func NewSlidingWindow(limit int, opts ...Option) *SlidingWindow {
	s := &SlidingWindow{
		limit:   limit,
		window:  DefaultWindow,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit returns the configured per-window limit.
func (s *SlidingWindow) Limit() int { return s.limit }

// Check reports whether a send for key would be admitted now. It does not record.
func (s *SlidingWindow) Check(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneLocked(key, s.now())) < s.limit
}

// Record appends now to key's window.
func (s *SlidingWindow) Record(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.recordLocked(key, now)
}

// Count returns the number of events inside key's current window.
func (s *SlidingWindow) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneLocked(key, s.now()))
}

// RetryAfter returns how long until key admits again; zero when it already does.
func (s *SlidingWindow) RetryAfter(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryAfterLocked(key, s.now())
}

// Reservation is an admitted slot that can be handed back.
type Reservation struct {
	limiter *SlidingWindow
	key     string
	at      time.Time
	once    sync.Once
}

// Cancel removes the reserved slot from the window. Safe to call more than once.
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.limiter.release(r.key, r.at)
	})
}

// Reserve atomically checks and records a slot for key. When the window is
// full it returns an error wrapping models.ErrRateLimitExceeded.
func (s *SlidingWindow) Reserve(key string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.pruneLocked(key, now)) >= s.limit {
		return nil, &ExceededError{Key: key, RetryAfter: s.retryAfterLocked(key, now)}
	}
	s.recordLocked(key, now)
	return &Reservation{limiter: s, key: key, at: now}, nil
}

func (s *SlidingWindow) release(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.windows[key]
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Equal(at) {
			s.windows[key] = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	if len(s.windows[key]) == 0 {
		delete(s.windows, key)
	}
}

func (s *SlidingWindow) recordLocked(key string, now time.Time) {
	ts := s.pruneLocked(key, now)
	if ts == nil {
		s.evictLocked(now)
	}
	s.windows[key] = append(ts, now)
}

// pruneLocked drops timestamps at or before now-window and returns what is left.
func (s *SlidingWindow) pruneLocked(key string, now time.Time) []time.Time {
	ts, ok := s.windows[key]
	if !ok {
		return nil
	}
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(s.windows, key)
		return nil
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		s.windows[key] = ts
	}
	return ts
}

func (s *SlidingWindow) retryAfterLocked(key string, now time.Time) time.Duration {
	ts := s.pruneLocked(key, now)
	if len(ts) < s.limit {
		return 0
	}
	// The slot frees when the oldest event that keeps us at the limit expires.
	oldest := ts[len(ts)-s.limit]
	return oldest.Add(s.window).Sub(now)
}

// evictLocked keeps the key count under maxTrackedKeys, stale windows first.
func (s *SlidingWindow) evictLocked(now time.Time) {
	if len(s.windows) < maxTrackedKeys {
		return
	}
	cutoff := now.Add(-s.window)
	for k, ts := range s.windows {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(s.windows, k)
		}
	}
	for len(s.windows) >= maxTrackedKeys {
		for k := range s.windows {
			delete(s.windows, k)
			break
		}
	}
}

// ExceededError carries the key and retry hint for a rejected reservation.
type ExceededError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s for %s (retry after %s)", models.ErrRateLimitExceeded, e.Key, e.RetryAfter.Round(time.Millisecond))
}

func (e *ExceededError) Unwrap() error { return models.ErrRateLimitExceeded }
