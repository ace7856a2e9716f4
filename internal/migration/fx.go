package migration

import (
	"github.com/smallbiznis/creditgate/internal/config"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	paymentdomain "github.com/smallbiznis/creditgate/internal/payment/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Non-postgres deployments (dev/test sqlite) rely on AutoMigrate.
			return conn.AutoMigrate(
				&meteringdomain.Account{},
				&meteringdomain.CreditTransaction{},
				&meteringdomain.Reservation{},
				&paymentdomain.WebhookEvent{},
				&jobdomain.Job{},
				&jobdomain.JobItem{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
