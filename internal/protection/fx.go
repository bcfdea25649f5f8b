package protection

import "go.uber.org/fx"

var Module = fx.Module("protection.guard",
	fx.Provide(NewGuard),
)
