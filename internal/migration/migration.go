package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	creditdomain "github.com/fluxori/creditcore/internal/credit/domain"
	pricingdomain "github.com/fluxori/creditcore/internal/pricing/domain"
	queuedomain "github.com/fluxori/creditcore/internal/queue/domain"
	resultcachedomain "github.com/fluxori/creditcore/internal/resultcache/domain"
	"github.com/fluxori/creditcore/pkg/db"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

// Models lists every persisted type, in dependency order.
func Models() []any {
	return []any{
		&creditdomain.CreditAccount{},
		&creditdomain.CreditGrant{},
		&creditdomain.CreditReservation{},
		&creditdomain.UsageRecord{},
		&pricingdomain.Tier{},
		&resultcachedomain.KeywordResult{},
		&resultcachedomain.CacheEntry{},
		&resultcachedomain.CacheCounter{},
		&queuedomain.QueuedRequest{},
		&queuedomain.RequestItem{},
	}
}

// Apply runs the versioned migrations on postgres and AutoMigrate on the
// other dialects, which have no migration driver wired.
func Apply(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if !db.IsPostgresDB(conn) {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

// RunMigrations applies the embedded postgres schema.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
