package vault

import "go.uber.org/fx"

var Module = fx.Module("credential.vault",
	fx.Provide(New),
)
