package stripe

import "go.uber.org/fx"

var Module = fx.Module("gateway.stripe",
	fx.Provide(New),
)
