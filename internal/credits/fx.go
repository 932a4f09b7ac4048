package credits

import (
	"go.uber.org/fx"

	"github.com/wolkenlauf/metered/internal/credits/service"
)

var Module = fx.Module("credits.service",
	fx.Provide(service.NewService),
)
