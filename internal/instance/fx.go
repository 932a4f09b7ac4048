package instance

import (
	"go.uber.org/fx"

	"github.com/wolkenlauf/metered/internal/instance/repository"
	"github.com/wolkenlauf/metered/internal/instance/service"
)

var Module = fx.Module("instance",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
