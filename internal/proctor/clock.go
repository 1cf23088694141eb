package proctor

import (
	"context"
	"time"

	"github.com/recrutea/proctor-backend/internal/model"
)

// Clock computes the remaining time of a session from its persisted start
// timestamp. It never keeps a countdown of its own, so reloading a session
// or suspending the process cannot extend the deadline.
type Clock struct {
	Allowance time.Duration
	Interval  time.Duration
}

// NewClock creates a Clock. A non-positive interval defaults to one second.
func NewClock(allowance, interval time.Duration) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{Allowance: allowance, Interval: interval}
}

// Remaining returns allowance - (now - startedAt), floored at zero.
// A start timestamp in the future (clock skew) never yields more than the
// allowance.
func (c *Clock) Remaining(s *model.TestSession, now time.Time) time.Duration {
	elapsed := now.Sub(s.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := c.Allowance - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Deadline returns the absolute instant at which the session expires.
func (c *Clock) Deadline(s *model.TestSession) time.Time {
	return s.StartedAt.Add(c.Allowance)
}

// Expired reports whether no time is left.
func (c *Clock) Expired(s *model.TestSession, now time.Time) bool {
	return c.Remaining(s, now) == 0
}

// Watch calls tick immediately and then on every interval until tick returns
// false or ctx is done. Each call receives the wall-clock time of the tick,
// so a process that was suspended re-evaluates from absolute time on resume.
func (c *Clock) Watch(ctx context.Context, now func() time.Time, tick func(now time.Time) bool) {
	if !tick(now()) {
		return
	}

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !tick(now()) {
				return
			}
		}
	}
}
