package alerting

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RateLimiter enforces the hourly cap, the daily cap and the per-fingerprint
// cooldown. A send is blocked when any of them is exhausted; the three are
// checked and consumed together under one lock.
type RateLimiter struct {
	mu       sync.Mutex
	hour     window
	day      window
	cooldown time.Duration
	recent   *ttlcache.Cache[string, time.Time]
	now      func() time.Time
}

// window counts sends over a trailing span. sends is kept in time order.
type window struct {
	limit int
	span  time.Duration
	sends []time.Time
}

// prune drops sends that left the window.
func (w *window) prune(now time.Time) {
	cut := 0
	for cut < len(w.sends) && !now.Before(w.sends[cut].Add(w.span)) {
		cut++
	}
	if cut > 0 {
		w.sends = append(w.sends[:0], w.sends[cut:]...)
	}
}

func (w *window) full(now time.Time) bool {
	if w.limit <= 0 {
		return false
	}
	w.prune(now)
	return len(w.sends) >= w.limit
}

func (w *window) record(now time.Time) {
	if w.limit > 0 {
		w.sends = append(w.sends, now)
	}
}

// NewRateLimiter creates a limiter. Non-positive caps and cooldowns disable
// the corresponding check.
func NewRateLimiter(perHour, perDay int, cooldown time.Duration) *RateLimiter {
	l := &RateLimiter{
		hour: window{span: time.Hour},
		day:  window{span: 24 * time.Hour},
		recent: ttlcache.New[string, time.Time](
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
		now: time.Now,
	}
	l.Reconfigure(perHour, perDay, cooldown)
	return l
}

// Reconfigure changes the limits. Sends already inside a window keep
// counting against the new cap; disabling a cap forgets them.
func (l *RateLimiter) Reconfigure(perHour, perDay int, cooldown time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hour.limit, l.day.limit = perHour, perDay
	if perHour <= 0 {
		l.hour.sends = nil
	}
	if perDay <= 0 {
		l.day.sends = nil
	}
	l.cooldown = cooldown
}

// Blocked reports whether a send for fingerprint would be refused, without
// consuming anything.
func (l *RateLimiter) Blocked(fingerprint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked(fingerprint, l.now())
}

// Allow records a send against both windows and starts the fingerprint's
// cooldown, or returns false and records nothing.
func (l *RateLimiter) Allow(fingerprint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.blocked(fingerprint, now) {
		return false
	}
	l.hour.record(now)
	l.day.record(now)
	if l.cooldown > 0 && fingerprint != "" {
		l.recent.DeleteExpired()
		l.recent.Set(fingerprint, now, l.cooldown)
	}
	return true
}

func (l *RateLimiter) blocked(fingerprint string, now time.Time) bool {
	if l.hour.full(now) || l.day.full(now) {
		return true
	}
	if l.cooldown > 0 && fingerprint != "" {
		if item := l.recent.Get(fingerprint); item != nil && now.Sub(item.Value()) < l.cooldown {
			return true
		}
	}
	return false
}
