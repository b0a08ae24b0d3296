package runner

import (
	"context"

	"github.com/smallbiznis/recoup/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.runner",
	fx.Provide(func(cfg config.Config) Config {
		return Config{
			BatchSize:    cfg.RunnerBatchSize,
			PollInterval: cfg.RunnerPollInterval,
			CronSchedule: cfg.RunnerCronSchedule,
		}
	}),
	fx.Provide(NewRunner),
	fx.Invoke(runRunner),
)

func runRunner(lc fx.Lifecycle, runner *Runner) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go runner.RunForever(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
