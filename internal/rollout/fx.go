package rollout

import "go.uber.org/fx"

var Module = fx.Module("rollout",
	fx.Provide(
		NewHolder,
		func(h *Holder) Source { return h },
	),
)
