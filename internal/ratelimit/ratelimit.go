// Package ratelimit provides the per-user sliding window limiter applied to
// chat requests before any model work starts.
//
// The limiter is constructed once per process and injected where needed; it
// owns no goroutines, so teardown is garbage collection. Expired entries are
// pruned lazily on the hot path and swept opportunistically so idle users do
// not accumulate forever.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults applied when Config fields are zero.
const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

// Config configures a UserLimiter.
type Config struct {
	Limit  int           // requests allowed per window
	Window time.Duration // sliding window length

	// Now substitutes the clock in tests. Nil means time.Now.
	Now func() time.Time
}

func (c Config) validate() error {
	if c.Limit < 0 {
		return errors.New("ratelimit: limit must not be negative")
	}
	if c.Window < 0 {
		return errors.New("ratelimit: window must not be negative")
	}
	return nil
}

// UserLimiter is a sliding window counter keyed by user id. Safe for
// concurrent use; increments for the same user are serialized so racing
// requests cannot undercount.
type UserLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	users     map[uuid.UUID][]time.Time
	lastSweep time.Time
}

// NewUserLimiter creates a limiter from cfg, applying defaults for zero
// fields.
func NewUserLimiter(cfg Config) (*UserLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Limit == 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &UserLimiter{
		limit:     cfg.Limit,
		window:    cfg.Window,
		now:       cfg.Now,
		users:     make(map[uuid.UUID][]time.Time),
		lastSweep: cfg.Now(),
	}, nil
}

// Allow records one request for userID and reports whether it fits in the
// window.
func (l *UserLimiter) Allow(userID uuid.UUID) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := pruneBefore(l.users[userID], cutoff)
	if len(stamps) >= l.limit {
		l.users[userID] = stamps
		l.maybeSweep(now, cutoff)
		return false
	}

	l.users[userID] = append(stamps, now)
	l.maybeSweep(now, cutoff)
	return true
}

// Remaining reports how many requests userID has left in the current
// window, without recording one.
func (l *UserLimiter) Remaining(userID uuid.UUID) int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	used := len(pruneBefore(l.users[userID], cutoff))
	if used >= l.limit {
		return 0
	}
	return l.limit - used
}

// maybeSweep drops fully expired users at most once per window. Callers
// hold l.mu.
func (l *UserLimiter) maybeSweep(now, cutoff time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now

	for id, stamps := range l.users {
		if kept := pruneBefore(stamps, cutoff); len(kept) == 0 {
			delete(l.users, id)
		} else {
			l.users[id] = kept
		}
	}
}

// pruneBefore drops timestamps at or before cutoff. Stamps are appended in
// time order, so the survivors are a suffix.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
