package metrics

import (
	"go.uber.org/fx"

	"github.com/wolkenlauf/metered/internal/config"
)

func NewFromConfig(cfg config.Config) *Metrics {
	return BillingWithConfig(Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}

var Module = fx.Module("observability.metrics",
	fx.Provide(NewFromConfig),
)
