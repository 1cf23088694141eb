package proctor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/recrutea/proctor-backend/internal/model"
)

func TestClockRemaining(t *testing.T) {
	c := NewClock(420*time.Second, 0)
	s := &model.TestSession{StartedAt: epoch}

	assert.Equal(t, time.Second, c.Interval)
	assert.Equal(t, 420*time.Second, c.Remaining(s, epoch))
	assert.Equal(t, 300*time.Second, c.Remaining(s, epoch.Add(120*time.Second)))
	assert.Equal(t, time.Duration(0), c.Remaining(s, epoch.Add(420*time.Second)))
	assert.Equal(t, time.Duration(0), c.Remaining(s, epoch.Add(time.Hour)))
	assert.True(t, c.Expired(s, epoch.Add(420*time.Second)))
	assert.False(t, c.Expired(s, epoch.Add(419*time.Second)))
	assert.Equal(t, epoch.Add(420*time.Second), c.Deadline(s))
}

func TestClockRemainingNeverExceedsAllowanceOnSkew(t *testing.T) {
	c := NewClock(420*time.Second, time.Second)
	s := &model.TestSession{StartedAt: epoch.Add(time.Minute)}

	assert.Equal(t, 420*time.Second, c.Remaining(s, epoch))
}

func TestClockRemainingSurvivesReload(t *testing.T) {
	c := NewClock(420*time.Second, time.Second)
	s := &model.TestSession{StartedAt: epoch}

	// A reload 100s in reads the same start timestamp back.
	reloaded := &model.TestSession{StartedAt: s.StartedAt}
	assert.Equal(t, 320*time.Second, c.Remaining(reloaded, epoch.Add(100*time.Second)))
}

func TestClockWatchStopsWhenTickReturnsFalse(t *testing.T) {
	c := NewClock(time.Minute, time.Millisecond)
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		c.Watch(context.Background(), time.Now, func(time.Time) bool {
			return calls.Add(1) < 3
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestClockWatchStopsOnContext(t *testing.T) {
	c := NewClock(time.Minute, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Watch(ctx, time.Now, func(time.Time) bool { return true })
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch ignored cancellation")
	}
}
