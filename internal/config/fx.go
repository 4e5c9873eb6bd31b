package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewDynamic),
	fx.Invoke(func(lc fx.Lifecycle, d *Dynamic) {
		d.Watch(lc)
	}),
)
