package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	keyPrefix   = "authz:identity:"
	epochPrefix = "authz:identity_epoch:"
	epochTTL    = 24 * time.Hour
)

// Key returns the Redis key of a user's snapshot.
func Key(userID string) string {
	return keyPrefix + userID
}

// EpochKey returns the Redis key of a user's invalidation counter.
func EpochKey(userID string) string {
	return epochPrefix + userID
}

// RedisCache keeps identity snapshots in Redis behind a circuit breaker, so
// an unreachable Redis costs one fast rejection per call instead of a
// timeout.
type RedisCache struct {
	client redis.UniversalClient
	cb     *gobreaker.CircuitBreaker[[]byte]
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps client. The breaker opens after five consecutive
// failures and probes again after thirty seconds.
func NewRedisCache(client redis.UniversalClient, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "identity-cache",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &RedisCache{client: client, cb: cb}
}

// Get reads a snapshot; a miss is not an error.
func (c *RedisCache) Get(ctx context.Context, userID string) (Identity, bool, error) {
	raw, err := c.cb.Execute(func() ([]byte, error) {
		return c.client.Get(ctx, Key(userID)).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, false, err
	}
	return id, true, nil
}

// Epoch reads the invalidation counter of userID; a missing counter is zero.
func (c *RedisCache) Epoch(ctx context.Context, userID string) (int64, error) {
	var epoch int64
	_, err := c.cb.Execute(func() ([]byte, error) {
		v, err := c.client.Get(ctx, EpochKey(userID)).Int64()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		epoch = v
		return nil, err
	})
	return epoch, err
}

// SetIfEpoch stores a snapshot with ttl unless the user was invalidated
// after epoch was read. It reports whether the snapshot was written.
func (c *RedisCache) SetIfEpoch(ctx context.Context, id Identity, epoch int64, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return false, err
	}
	stored := false
	_, err = c.cb.Execute(func() ([]byte, error) {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, EpochKey(id.UserID)).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != epoch {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, Key(id.UserID), raw, ttl)
				return nil
			})
			if err == nil {
				stored = true
			}
			return err
		}, EpochKey(id.UserID))
		if errors.Is(err, redis.TxFailedErr) {
			return nil, nil
		}
		return nil, err
	})
	return stored, err
}

// Invalidate removes a snapshot and advances the user's counter so loads
// that started earlier cannot store theirs.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.cb.Execute(func() ([]byte, error) {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, EpochKey(userID))
			pipe.Expire(ctx, EpochKey(userID), epochTTL)
			pipe.Del(ctx, Key(userID))
			return nil
		})
		return nil, err
	})
	return err
}
