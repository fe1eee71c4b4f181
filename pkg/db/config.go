package db

import (
	"time"

	"github.com/fluxori/creditcore/internal/config"
)

// PoolConfig bounds the sql.DB connection pool.
type PoolConfig struct {
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func PoolConfigFrom(cfg config.Config) PoolConfig {
	pool := PoolConfig{
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
	if IsSQLite(cfg.DBType) {
		// a single writer avoids SQLITE_BUSY storms; the executor retries the rest
		pool.MaxOpenConn = 1
		pool.MaxIdleConn = 1
	}
	return pool
}
