package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Versioned caches JSON payloads under keys carrying a per-scope version.
// Bumping a scope's version orphans every key built with the old one, so a
// whole family of entries (for instance every list of one organization) is
// invalidated with a single INCR.
type Versioned struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewVersioned instantiates the cache helper. A nil client disables caching:
// every fetch goes straight to the loader.
func NewVersioned(client redis.UniversalClient, prefix string, ttl, timeout time.Duration, logger *slog.Logger) *Versioned {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Versioned{client: client, prefix: prefix, ttl: ttl, timeout: timeout, logger: logger}
}

func (c *Versioned) versionKey(scope string) string {
	return c.prefix + ":version:" + scope
}

// Version returns the current version of scope, initialising when missing.
func (c *Versioned) Version(ctx context.Context, scope string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := c.versionKey(scope)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version of scope.
func (c *Versioned) BuildKey(ctx context.Context, scope string, parts ...string) (string, error) {
	ver, err := c.Version(ctx, scope)
	if err != nil {
		return "", err
	}
	joined := strings.Join(append([]string{c.prefix, scope}, parts...), ":")
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader. Cache
// failures only cost latency: they are logged and the loader result is used.
func (c *Versioned) FetchJSON(ctx context.Context, scope string, parts []string, dest interface{}, loader func(context.Context) (interface{}, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return c.load(ctx, dest, loader, "")
	}

	key, err := c.withTimeout(ctx, func(ctx context.Context) (string, error) {
		k, err := c.BuildKey(ctx, scope, parts...)
		if err != nil {
			return "", err
		}
		payload, err := c.client.Get(ctx, k).Bytes()
		if err != nil {
			return k, err
		}
		return k, json.Unmarshal(payload, dest)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Debug("cache read failed", slog.String("scope", scope), slog.Any("error", err))
		if key == "" {
			return c.load(ctx, dest, loader, "")
		}
	}
	return c.load(ctx, dest, loader, key)
}

func (c *Versioned) load(ctx context.Context, dest interface{}, loader func(context.Context) (interface{}, error), key string) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if key != "" {
		if _, err := c.withTimeout(ctx, func(ctx context.Context) (string, error) {
			return "", c.client.Set(ctx, key, raw, c.ttl).Err()
		}); err != nil {
			c.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every entry of scope by incrementing its version.
func (c *Versioned) Bump(ctx context.Context, scope string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.withTimeout(ctx, func(ctx context.Context) (string, error) {
		return "", c.client.Incr(ctx, c.versionKey(scope)).Err()
	})
	if err != nil {
		return fmt.Errorf("cache: bump %s: %w", scope, err)
	}
	return nil
}

func (c *Versioned) withTimeout(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(ctx)
}
