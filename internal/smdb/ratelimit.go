package smdb

import (
	"sync"
	"time"
)

// overrideLimit and overrideWindow implement spec.md §4.8's "3 overrides
// per hour" per-uploader cap.
const (
	overrideLimit  = 3
	overrideWindow = time.Hour
)

// overrideLimiter is a hand-rolled sliding-window counter rather than
// golang.org/x/time/rate: rate.Limiter only reports allow/deny, not the
// "N used of M, remaining K" structured refusal spec.md §4.8/S3 requires,
// so wrapping it would mean keeping a second counter alongside it anyway
// (see DESIGN.md).
type overrideLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newOverrideLimiter() *overrideLimiter {
	return &overrideLimiter{attempts: make(map[string][]time.Time)}
}

// check prunes attempts outside the window and reports whether uploader
// may perform one more override right now, along with the remaining
// count after that override would be recorded.
func (l *overrideLimiter) check(uploader string, now time.Time) (allowed bool, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-overrideWindow)
	fresh := l.attempts[uploader][:0]
	for _, t := range l.attempts[uploader] {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	l.attempts[uploader] = fresh

	used := len(fresh)
	if used >= overrideLimit {
		return false, 0
	}
	return true, overrideLimit - used - 1
}

// record registers an override attempt at now.
func (l *overrideLimiter) record(uploader string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[uploader] = append(l.attempts[uploader], now)
}
