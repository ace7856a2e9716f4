package ratelimit

import "go.uber.org/fx"

var Module = fx.Module("ratelimit",
	fx.Provide(NewProviderLimiter),
	fx.Provide(NewUserLimiter),
	fx.Provide(NewLocker),
)
