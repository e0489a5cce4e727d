package scheduler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/taskora/metering/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLockerFromClient),
	fx.Provide(New),
	fx.Invoke(Run),
)

// NewRedisClient returns nil when no redis address is configured; the
// sweeper then runs unguarded, which is fine for a single replica.
func NewRedisClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	log.Info("redis sweep guard enabled", zap.String("addr", cfg.RedisAddr))
	return client
}

func NewLockerFromClient(client *redis.Client) *Locker {
	return NewLocker(client)
}

func Run(lc fx.Lifecycle, sched *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
