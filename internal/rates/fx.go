package rates

import (
	"github.com/wolkenlauf/metered/internal/config"
	"go.uber.org/fx"
)

func NewFromConfig(cfg config.Config) (*Table, error) {
	return NewTableFromConfig(cfg.RatesConfigPath)
}

var Module = fx.Module("rates",
	fx.Provide(NewFromConfig),
)
