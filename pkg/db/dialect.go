package db

import (
	"fmt"
	"strings"

	"github.com/fluxori/creditcore/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Dialect returns the gorm dialector for cfg.DBType.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch NormalizeType(cfg.DBType) {
	case TypePostgres:
		return postgres.Open(postgresDSN(cfg)), nil
	case TypeMySQL:
		return mysql.Open(mysqlDSN(cfg)), nil
	case TypeSQLite:
		return sqlite.Open(sqliteDSN(cfg.DBPath)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

// NormalizeType folds the accepted DATABASE_TYPE spellings onto the Type constants.
func NormalizeType(dbType string) string {
	switch t := strings.ToLower(strings.TrimSpace(dbType)); t {
	case "postgresql", "pg", "pgx":
		return TypePostgres
	case "sqlite3":
		return TypeSQLite
	default:
		return t
	}
}

func postgresDSN(cfg config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode)
}

func mysqlDSN(cfg config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
}

// sqliteDSN keeps an empty path or ":memory:" in a shared in-memory database.
func sqliteDSN(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func IsSQLite(dbType string) bool {
	return NormalizeType(dbType) == TypeSQLite
}

// IsSQLiteDB reports whether the handle talks to sqlite, which lacks read-only
// transactions and row locking.
func IsSQLiteDB(conn *gorm.DB) bool {
	if conn == nil || conn.Dialector == nil {
		return false
	}
	return IsSQLite(conn.Dialector.Name())
}

// IsPostgresDB reports whether the handle talks to postgres.
func IsPostgresDB(conn *gorm.DB) bool {
	if conn == nil || conn.Dialector == nil {
		return false
	}
	return conn.Dialector.Name() == TypePostgres
}
