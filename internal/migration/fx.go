package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/wolkenlauf/metered/internal/config"
	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// non-postgres deployments (local sqlite) fall back to gorm's
			// schema sync
			return conn.AutoMigrate(
				&creditsdomain.Account{},
				&creditsdomain.Transaction{},
				&instancedomain.Instance{},
				&usagedomain.UsageRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
