package ratelimit

import "go.uber.org/fx"

// Module needs a *redis.Client; both providers return nil without one.
var Module = fx.Module("ratelimit",
	fx.Provide(
		NewCheckoutLimiter,
		NewLocker,
	),
)
