package migration

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(migrateOnStart),
)

// migrateOnStart runs before any service touches the ledger tables; a failure
// aborts startup.
func migrateOnStart(conn *gorm.DB, log *zap.Logger) error {
	if err := Apply(conn); err != nil {
		return err
	}
	log.Named("migrations").Info("schema up to date", zap.String("dialect", conn.Dialector.Name()))
	return nil
}
