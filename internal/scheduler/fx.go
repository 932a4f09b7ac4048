package scheduler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/wolkenlauf/metered/internal/config"
	"github.com/wolkenlauf/metered/internal/scheduler/guard"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLocker),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

// ProvideLocker wires the distributed run guard when redis is configured.
// Without redis the guard degrades to a no-op, fine for one replica.
func ProvideLocker(cfg config.Config) *guard.Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	return guard.NewLocker(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
