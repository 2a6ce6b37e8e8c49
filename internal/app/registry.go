package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/keygate/internal/domain/auth"
	"github.com/xenking/keygate/internal/storage/file"
	"github.com/xenking/keygate/internal/storage/postgres"
	"github.com/xenking/keygate/internal/storage/redis"
)

// backend is what every registry implementation provides.
type backend interface {
	auth.Registry
	auth.IdentityResolver
	Ping(ctx context.Context) error
}

// registry is the opened backend plus its lifecycle hooks.
type registry struct {
	backend
	close func()
	// watch, when set, runs until ctx is done and keeps the backend current.
	watch func(ctx context.Context) error
}

func openRegistry(ctx context.Context, lg *zap.Logger, cfg *Config, h *auth.Hasher, cache *auth.DecisionCache) (*registry, error) {
	rc := cfg.Registry
	switch rc.Backend {
	case BackendFile:
		r, err := file.Open(rc.File, file.Options{
			Hasher: h,
			Logger: lg,
			OnReload: func(clients int) {
				if cache != nil {
					cache.Purge()
				}
				lg.Info("Clients reloaded, decision cache purged", zap.Int("clients", clients))
			},
		})
		if err != nil {
			return nil, err
		}
		reg := &registry{backend: r, close: func() {}}
		if rc.Watch {
			reg.watch = r.Watch
		}
		return reg, nil

	case BackendPostgres:
		pool, err := postgres.NewPool(ctx, rc.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if rc.Migrate {
			if err := postgres.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &registry{backend: postgres.NewRegistry(pool), close: pool.Close}, nil

	case BackendRedis:
		c, err := redis.NewClient(ctx, redis.Config{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
			PoolSize: rc.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		return &registry{
			backend: redis.NewRegistry(c),
			close: func() {
				if err := c.Close(); err != nil {
					lg.Warn("Close redis client", zap.Error(err))
				}
			},
		}, nil

	default:
		return nil, errors.Errorf("unknown registry backend %q", rc.Backend)
	}
}
