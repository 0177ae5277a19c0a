package migration

import (
	"context"

	"github.com/smallbiznis/iapsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.AutoMigrate {
			log.Info("auto migrate disabled")
			return nil
		}
		return Run(context.Background(), conn)
	}),
)
