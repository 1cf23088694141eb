package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor expires overdue sessions and evicts old ones from the hot store.
type Janitor interface {
	SweepOverdue(ctx context.Context) (int, error)
	EvictStale(ctx context.Context) (int, error)
}

// EvictionWorker runs the janitor periodically.
type EvictionWorker struct {
	janitor  Janitor
	interval time.Duration
	log      zerolog.Logger
}

func NewEvictionWorker(janitor Janitor, interval time.Duration, log zerolog.Logger) *EvictionWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &EvictionWorker{
		janitor:  janitor,
		interval: interval,
		log:      log.With().Str("component", "eviction_worker").Logger(),
	}
}

func (w *EvictionWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("EvictionWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("EvictionWorker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep and one eviction pass.
func (w *EvictionWorker) RunOnce(ctx context.Context) {
	expired, err := w.janitor.SweepOverdue(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Overdue sweep failed")
	} else if expired > 0 {
		w.log.Info().Int("count", expired).Msg("Expired overdue sessions")
	}

	evicted, err := w.janitor.EvictStale(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Eviction failed")
	} else if evicted > 0 {
		w.log.Info().Int("count", evicted).Msg("Evicted stale sessions")
	}
}
