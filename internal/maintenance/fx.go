package maintenance

import (
	"context"

	"github.com/fluxori/creditcore/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("maintenance",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Maintenance.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sched.Start()
			return nil
		},
		OnStop: sched.Stop,
	})
}
