package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/model"
)

// Each session lives in one hash:
//
//	data           JSON snapshot of model.TestSession
//	status         authoritative status, only ever written by the scripts below
//	started_at     unix milliseconds
//	terminated_at  unix milliseconds, set by the terminal transition
//	version        write counter, bumped by every save
//
// The started index holds in-progress sessions scored by start time, the
// terminal index holds terminal sessions scored by termination time.

var createScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'in_progress' then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2], 'started_at', ARGV[3], 'version', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[4])
return 1
`)

var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur ~= ARGV[2] then
	return 0
end
local ver = tonumber(redis.call('HGET', KEYS[1], 'version')) or 0
if cur == 'in_progress' and ver ~= tonumber(ARGV[3]) then
	return -2
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', tostring(ver + 1))
return 1
`)

var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return {-1, ''}
end
if cur ~= 'in_progress' then
	return {0, cur}
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'terminated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return {1, ARGV[1]}
`)

// SessionStore is the hot session store. Every status change is an atomic
// check-and-set in Redis, so any number of gateway instances agree on the
// single terminal status of a session.
type SessionStore struct {
	rdb       *redis.Client
	retention time.Duration
	maxAge    time.Duration
}

// NewSessionStore creates a SessionStore. Terminal sessions are kept for
// retention after termination; any session is dropped maxAge after it
// started.
func NewSessionStore(rdb *redis.Client, retention, maxAge time.Duration) *SessionStore {
	if retention <= 0 {
		retention = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &SessionStore{rdb: rdb, retention: retention, maxAge: maxAge}
}

// Load returns the persisted session. The status field of the hash wins over
// the status embedded in the snapshot.
func (s *SessionStore) Load(ctx context.Context, key string) (*model.TestSession, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, model.ErrSessionNotFound
	}

	var sess model.TestSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	if status := fields["status"]; status != "" {
		sess.Status = model.SessionStatus(status)
	}
	if sess.TerminatedAt == nil {
		if ms, err := strconv.ParseInt(fields["terminated_at"], 10, 64); err == nil {
			at := time.UnixMilli(ms)
			sess.TerminatedAt = &at
		}
	}
	if v, err := strconv.ParseInt(fields["version"], 10, 64); err == nil {
		sess.Version = v
	}
	if sess.ViolationCounts == nil {
		sess.ViolationCounts = make(map[model.ViolationType]int)
	}
	return &sess, nil
}

// Create persists a new in-progress session. It fails with
// model.ErrSessionExists while another in-progress session holds the key; a
// terminal snapshot under the same key is replaced.
func (s *SessionStore) Create(ctx context.Context, sess *model.TestSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ttl := s.maxAge + s.retention
	res, err := createScript.Run(ctx, s.rdb,
		[]string{
			config.CacheKey.SessionKey(sess.Key),
			config.CacheKey.SessionsStartedIndex(),
			config.CacheKey.SessionsTerminalIndex(),
		},
		data, string(sess.Status), sess.StartedAt.UnixMilli(), sess.Key, ttl.Milliseconds(), sess.Version,
	).Int64()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if res == 0 {
		return model.ErrSessionExists
	}
	return nil
}

// Save overwrites the snapshot and bumps its version. It never changes the
// authoritative status: a snapshot whose status differs from the persisted
// one is refused with model.ErrSessionTerminal. While the session is in
// progress, a snapshot built on an older version than the stored one is
// refused with model.ErrSessionStale; the caller reloads and reapplies.
// Terminal snapshots are written by the transition winner only and skip the
// version check.
func (s *SessionStore) Save(ctx context.Context, sess *model.TestSession) error {
	base := sess.Version
	sess.Version = base + 1
	data, err := json.Marshal(sess)
	sess.Version = base
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	res, err := saveScript.Run(ctx, s.rdb,
		[]string{config.CacheKey.SessionKey(sess.Key)},
		data, string(sess.Status), base,
	).Int64()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	switch res {
	case -1:
		return model.ErrSessionNotFound
	case 0:
		return model.ErrSessionTerminal
	case -2:
		return model.ErrSessionStale
	}
	sess.Version = base + 1
	return nil
}

// Transition moves an in-progress session to a terminal status. It reports
// whether this call won and the status persisted afterwards.
func (s *SessionStore) Transition(ctx context.Context, key string, to model.SessionStatus, at time.Time) (bool, model.SessionStatus, error) {
	res, err := transitionScript.Run(ctx, s.rdb,
		[]string{
			config.CacheKey.SessionKey(key),
			config.CacheKey.SessionsStartedIndex(),
			config.CacheKey.SessionsTerminalIndex(),
		},
		string(to), at.UnixMilli(), key,
	).Slice()
	if err != nil {
		return false, "", fmt.Errorf("transition session: %w", err)
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("transition session: unexpected reply %v", res)
	}

	code, _ := res[0].(int64)
	status, _ := res[1].(string)
	switch code {
	case -1:
		return false, "", model.ErrSessionNotFound
	case 0:
		return false, model.SessionStatus(status), nil
	}
	return true, model.SessionStatus(status), nil
}

// ListStartedBefore returns up to limit in-progress session keys that
// started before the given instant, oldest first.
func (s *SessionStore) ListStartedBefore(ctx context.Context, before time.Time, limit int64) ([]string, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, config.CacheKey.SessionsStartedIndex(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list started sessions: %w", err)
	}
	return keys, nil
}

// EvictStale drops terminal sessions older than the retention window and
// any session started more than maxAge ago. It returns the evicted keys.
func (s *SessionStore) EvictStale(ctx context.Context, now time.Time) ([]string, error) {
	terminalCut := strconv.FormatInt(now.Add(-s.retention).UnixMilli(), 10)
	startedCut := strconv.FormatInt(now.Add(-s.maxAge).UnixMilli(), 10)

	terminal, err := s.rdb.ZRangeByScore(ctx, config.CacheKey.SessionsTerminalIndex(), &redis.ZRangeBy{
		Min: "-inf", Max: terminalCut,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}
	stale, err := s.rdb.ZRangeByScore(ctx, config.CacheKey.SessionsStartedIndex(), &redis.ZRangeBy{
		Min: "-inf", Max: startedCut,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}

	seen := make(map[string]bool, len(terminal)+len(stale))
	evicted := make([]string, 0, len(terminal)+len(stale))
	for _, k := range append(terminal, stale...) {
		if !seen[k] {
			seen[k] = true
			evicted = append(evicted, k)
		}
	}
	if len(evicted) == 0 {
		return evicted, nil
	}

	members := make([]any, len(evicted))
	pipe := s.rdb.TxPipeline()
	for i, k := range evicted {
		members[i] = k
		pipe.Del(ctx, config.CacheKey.SessionKey(k))
	}
	pipe.ZRem(ctx, config.CacheKey.SessionsStartedIndex(), members...)
	pipe.ZRem(ctx, config.CacheKey.SessionsTerminalIndex(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("evict sessions: %w", err)
	}
	return evicted, nil
}

// Stats returns the number of in-progress and retained terminal sessions.
func (s *SessionStore) Stats(ctx context.Context) (inProgress, terminal int64, err error) {
	pipe := s.rdb.Pipeline()
	started := pipe.ZCard(ctx, config.CacheKey.SessionsStartedIndex())
	term := pipe.ZCard(ctx, config.CacheKey.SessionsTerminalIndex())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("session stats: %w", err)
	}
	return started.Val(), term.Val(), nil
}
