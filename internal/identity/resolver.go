package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository is the durable source of identities.
type Repository interface {
	// FindIdentity returns shared.ErrNotFound when the user does not exist.
	FindIdentity(ctx context.Context, userID string) (Identity, error)
}

// Cache stores identity snapshots. Implementations report a miss as
// (Identity{}, false, nil). Every Invalidate advances a per-user epoch and
// SetIfEpoch refuses to write once the epoch has moved past the one given.
type Cache interface {
	Get(ctx context.Context, userID string) (Identity, bool, error)
	Epoch(ctx context.Context, userID string) (int64, error)
	SetIfEpoch(ctx context.Context, id Identity, epoch int64, ttl time.Duration) (bool, error)
	Invalidate(ctx context.Context, userID string) error
}

// Options tunes a Resolver.
type Options struct {
	TTL          time.Duration
	CacheTimeout time.Duration
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

// Resolver reads identities through a cache. The cache only affects latency:
// its failures are logged and the durable store answers instead.
type Resolver struct {
	repo   Repository
	cache  Cache
	opts   Options
	logger *slog.Logger
	group  singleflight.Group
}

// NewResolver wires a resolver; cache may be nil.
func NewResolver(repo Repository, cache Cache, opts Options) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 200 * time.Millisecond
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, cache: cache, opts: opts, logger: logger}
}

// Resolve returns the identity of userID or shared.ErrIdentityNotFound.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Identity, error) {
	if userID == "" {
		return Identity{}, shared.ErrIdentityNotFound
	}
	if id, ok := r.cached(ctx, userID); ok {
		return id, nil
	}

	ch := r.group.DoChan(userID, func() (interface{}, error) {
		return r.load(context.WithoutCancel(ctx), userID)
	})
	select {
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Identity{}, res.Err
		}
		return res.Val.(Identity), nil
	}
}

// Invalidate drops the cached snapshot of userID. Loads already in flight
// neither cache their result nor serve later callers. Cache failures are
// logged only; the entry then expires with its TTL.
func (r *Resolver) Invalidate(ctx context.Context, userID string) {
	r.group.Forget(userID)
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		r.logger.Warn("identity cache invalidate failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (r *Resolver) cached(ctx context.Context, userID string) (Identity, bool) {
	if r.cache == nil {
		return Identity{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	id, ok, err := r.cache.Get(ctx, userID)
	if err != nil {
		r.logger.Debug("identity cache read failed", slog.String("user_id", userID), slog.Any("error", err))
		return Identity{}, false
	}
	return id, ok
}

func (r *Resolver) load(ctx context.Context, userID string) (Identity, error) {
	epoch, cacheable := r.epoch(ctx, userID)

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	id, err := r.repo.FindIdentity(storeCtx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrIdentityNotFound) {
			return Identity{}, fmt.Errorf("%w: %s", shared.ErrIdentityNotFound, userID)
		}
		return Identity{}, fmt.Errorf("identity: find %s: %w", userID, err)
	}

	if cacheable {
		cacheCtx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
		defer cancel()
		stored, err := r.cache.SetIfEpoch(cacheCtx, id, epoch, r.opts.TTL)
		switch {
		case err != nil:
			r.logger.Debug("identity cache write failed", slog.String("user_id", userID), slog.Any("error", err))
		case !stored:
			r.logger.Debug("identity invalidated during load, snapshot not cached", slog.String("user_id", userID))
		}
	}
	return id, nil
}

// epoch reads the invalidation epoch before a load. Without it the loaded
// snapshot is not cached.
func (r *Resolver) epoch(ctx context.Context, userID string) (int64, bool) {
	if r.cache == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	epoch, err := r.cache.Epoch(ctx, userID)
	if err != nil {
		r.logger.Debug("identity epoch read failed", slog.String("user_id", userID), slog.Any("error", err))
		return 0, false
	}
	return epoch, true
}
