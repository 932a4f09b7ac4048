package config

import "go.uber.org/fx"

// Module wires the environment-backed configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
)
