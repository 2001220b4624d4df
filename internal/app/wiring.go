package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/policystore"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

// Components holds the long-lived authorization services shared by the
// server and the operator tooling.
type Components struct {
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Store    policystore.Store
	Routes   *routemap.Map
	Enforcer *policy.Enforcer
	Watcher  *policy.RedisWatcher
	Resolver *identity.Resolver
	Service  *rbac.Service
	Checker  *rbac.Checker
	Users    *users.Repository
	Roles    *roles.Repository
	Metrics  *observability.Metrics

	closers []func()
}

// Build connects the stores and wires every service. Redis is optional:
// without it identities and lists are read straight from Postgres and
// invalidation stays local to this process.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (*Components, error) {
	c := &Components{Metrics: observability.NewMetrics()}

	routes, err := routemap.Default()
	if err != nil {
		return nil, err
	}
	if err := routes.Validate(); err != nil {
		logger.Error("route map has unmapped permissions", slog.Any("error", err))
	}
	c.Routes = routes

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	c.Pool = pool
	c.closers = append(c.closers, pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		c.Close()
		return nil, err
	}
	lockPool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGLockConns})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, lockPool.Close)

	switch cfg.PolicyStore {
	case StoreSQLite:
		store, err := policystore.OpenSQLite(ctx, cfg.PolicySQLitePath)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Store = store
		c.closers = append(c.closers, func() { _ = store.Close() })
	default:
		c.Store = policystore.NewPostgresStore(pool)
	}
	logger.Info("policy store selected", slog.String("store", cfg.PolicyStore))

	source, err := policy.SelectModelSource(cfg.PolicyModelPath, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("policy model selected", slog.String("source", source.Describe()))

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cache.Options{OpTimeout: cfg.CacheTimeout})
	if err != nil {
		logger.Warn("redis unavailable, caches and cross-instance invalidation disabled", slog.Any("error", err))
	} else {
		c.Redis = redisClient
		c.closers = append(c.closers, func() { _ = redisClient.Close() })
	}

	opts := policy.Options{Logger: logger, StoreTimeout: cfg.StoreTimeout, Metrics: c.Metrics}
	var (
		identityCache identity.Cache
		lists         *cache.Versioned
	)
	if c.Redis != nil {
		watcher, err := policy.NewRedisWatcher(ctx, c.Redis, cfg.PolicyChannel, logger)
		if err != nil {
			logger.Warn("policy watcher unavailable", slog.Any("error", err))
		} else {
			c.Watcher = watcher
			opts.Watcher = watcher
			c.closers = append(c.closers, watcher.Close)
		}
		identityCache = identity.NewRedisCache(c.Redis, logger)
		lists = cache.NewVersioned(c.Redis, "authz:lists", cfg.ListCacheTTL, cfg.CacheTimeout, logger)
	}

	c.Enforcer = policy.NewEnforcer(source, c.Store, opts)
	c.Users = users.NewRepository(pool)
	c.Roles = roles.NewRepository(pool)
	c.Resolver = identity.NewResolver(c.Users, identityCache, identity.Options{
		TTL:          cfg.IdentityCacheTTL,
		CacheTimeout: cfg.CacheTimeout,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
	})
	c.Service = rbac.NewService(c.Users, c.Roles, c.Enforcer, c.Resolver, routes, rbac.Options{
		Lists:   lists,
		Locker:  db.NewAdvisoryLocker(lockPool),
		Metrics: c.Metrics,
		Logger:  logger,
	})
	c.Checker = rbac.NewChecker(routes, c.Enforcer)

	if err := c.Enforcer.Rebuild(ctx); err != nil {
		logger.Warn("initial policy load failed, requests fail closed until the store answers", slog.Any("error", err))
	}
	return c, nil
}

// Guard returns the access middleware bound to the wired services.
func (c *Components) Guard(logger *slog.Logger) rbac.Middleware {
	return rbac.Middleware{Checker: c.Checker, Identities: c.Resolver, Logger: logger, Metrics: c.Metrics}
}

// Ready pings Postgres.
func (c *Components) Ready(ctx context.Context) error {
	if err := c.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
