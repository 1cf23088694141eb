package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/proctor"
)

// SessionEvents fans live session events out over Redis Pub/Sub so that a
// client connected to any gateway instance sees them.
type SessionEvents struct {
	rdb *redis.Client
}

// NewSessionEvents creates a SessionEvents bus.
func NewSessionEvents(rdb *redis.Client) *SessionEvents {
	return &SessionEvents{rdb: rdb}
}

// Publish implements proctor.EventSink.
func (e *SessionEvents) Publish(ctx context.Context, key string, ev proctor.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return e.rdb.Publish(ctx, config.CacheKey.SessionEventsChannel(key), payload).Err()
}

// Subscribe returns the raw event stream of one session. Payloads are the
// JSON encoding of proctor.Event and can be forwarded as is. Callers must
// Close the subscription.
func (e *SessionEvents) Subscribe(ctx context.Context, key string) *redis.PubSub {
	return e.rdb.Subscribe(ctx, config.CacheKey.SessionEventsChannel(key))
}
