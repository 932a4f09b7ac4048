package provisioner

import (
	"go.uber.org/fx"

	"github.com/wolkenlauf/metered/internal/provisioner/client"
	"github.com/wolkenlauf/metered/internal/provisioner/poller"
)

var Module = fx.Module("provisioner",
	fx.Provide(client.New),
	fx.Provide(poller.New),
)
