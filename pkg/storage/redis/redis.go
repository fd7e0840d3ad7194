// Package redis provides Redis-backed counter, lockout and dedup stores so
// several gateway instances share rate-limit and abuse state.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/formbridge/gateway/pkg/abuse"
	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/ratelimit"
	"github.com/formbridge/gateway/pkg/replay"
)

// DefaultPrefix namespaces every key the gateway writes.
const DefaultPrefix = "gw:"

var (
	_ ratelimit.CounterStore = (*Store)(nil)
	_ abuse.Store            = (*Store)(nil)
	_ replay.DedupStore      = (*Store)(nil)
)

// Store implements the gateway's shared-state stores on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New creates a Store. An empty prefix uses DefaultPrefix.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) counterKey(scopeKey, window string, start time.Time) string {
	return s.prefix + "rl:" + scopeKey + ":" + window + ":" + strconv.FormatInt(start.Unix(), 10)
}

func (s *Store) failureKey(scopeKey string) string { return s.prefix + "fail:" + scopeKey }
func (s *Store) lockKey(scopeKey string) string    { return s.prefix + "lock:" + scopeKey }
func (s *Store) dedupKey(key string) string        { return s.prefix + key }

// Increment bumps the window counter in one MULTI/EXEC round trip. SET NX
// creates the counter with its expiry, so no counter exists without a TTL
// even if the connection drops mid-call; INCR keeps that TTL.
func (s *Store) Increment(ctx context.Context, scopeKey, window string, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := s.counterKey(scopeKey, window, windowStart)

	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SetNX(ctx, key, 0, ttl)
		incr = p.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// AddFailure records a failure in a sorted set scored by time and trims
// entries outside the horizon in the same transaction.
func (s *Store) AddFailure(ctx context.Context, scopeKey string, at time.Time, horizon time.Duration) (int64, error) {
	key := s.failureKey(scopeKey)
	cutoff := at.Add(-horizon).UnixNano()

	var card *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		p.ZAdd(ctx, key, goredis.Z{Score: float64(at.UnixNano()), Member: uuid.NewString()})
		card = p.ZCard(ctx, key)
		p.Expire(ctx, key, horizon)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recording failure for %s: %w", scopeKey, err)
	}
	return card.Val(), nil
}

// ResetFailures deletes the failure set.
func (s *Store) ResetFailures(ctx context.Context, scopeKey string) error {
	return s.client.Del(ctx, s.failureKey(scopeKey)).Err()
}

// GetLockout reads the lockout for a scope. Redis expires lockouts on
// their own, so a missing key means not locked.
func (s *Store) GetLockout(ctx context.Context, scopeKey string) (*api.LockoutState, error) {
	raw, err := s.client.Get(ctx, s.lockKey(scopeKey)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lockout for %s: %w", scopeKey, err)
	}

	var state api.LockoutState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding lockout for %s: %w", scopeKey, err)
	}
	return &state, nil
}

// SetLockout stores the lockout with the given TTL. A lockout that would
// expire on arrival is an error, never a silent skip.
func (s *Store) SetLockout(ctx context.Context, state api.LockoutState, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("setting lockout for %s: non-positive ttl %v", state.ScopeKey, ttl)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding lockout: %w", err)
	}
	return s.client.Set(ctx, s.lockKey(state.ScopeKey), raw, ttl).Err()
}

// ClearLockout deletes the lockout key.
func (s *Store) ClearLockout(ctx context.Context, scopeKey string) error {
	return s.client.Del(ctx, s.lockKey(scopeKey)).Err()
}

// Remember sets the key if absent; SETNX makes the first sighting atomic
// across instances.
func (s *Store) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("remembering %s: %w", key, err)
	}
	return ok, nil
}
