package migration

import (
	addondomain "github.com/taskora/metering/internal/addon/domain"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	"github.com/taskora/metering/internal/config"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
	"github.com/taskora/metering/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Versioned migrations target postgres; other dialects are for
			// local development and take the gorm schema directly.
			if err := AutoMigrate(conn); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultTiers(conn)
	}),
)

func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&plandomain.PlanTier{},
		&plandomain.PlanAssignment{},
		&allowancedomain.AllowanceRecord{},
		&allowancedomain.LedgerEntry{},
		&allowancedomain.UsageHistory{},
		&addondomain.AddOnPurchase{},
		&addondomain.ProviderEvent{},
		&reservationdomain.TokenReservation{},
	)
}
