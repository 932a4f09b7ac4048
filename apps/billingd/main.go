package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/wolkenlauf/metered/internal/clock"
	"github.com/wolkenlauf/metered/internal/config"
	"github.com/wolkenlauf/metered/internal/credits"
	"github.com/wolkenlauf/metered/internal/instance"
	"github.com/wolkenlauf/metered/internal/logger"
	"github.com/wolkenlauf/metered/internal/migration"
	obsmetrics "github.com/wolkenlauf/metered/internal/observability/metrics"
	"github.com/wolkenlauf/metered/internal/provisioner"
	"github.com/wolkenlauf/metered/internal/rates"
	"github.com/wolkenlauf/metered/internal/scheduler"
	"github.com/wolkenlauf/metered/internal/usage"
	"github.com/wolkenlauf/metered/pkg/db"
)

// billingd runs the billing loop standalone, without the HTTP API. Useful
// when the API tier scales horizontally but billing must stay on a single
// set of guarded workers.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		obsmetrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		rates.Module,

		credits.Module,
		usage.Module,
		provisioner.Module,
		instance.Module,

		// No server module.
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
