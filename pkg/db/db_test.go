package db

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fluxori/creditcore/internal/config"
	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, TypePostgres, NormalizeType(" PostgreSQL "))
	assert.Equal(t, TypePostgres, NormalizeType("pgx"))
	assert.Equal(t, TypeSQLite, NormalizeType("sqlite3"))
	assert.Equal(t, TypeMySQL, NormalizeType("MySQL"))
	assert.Equal(t, "oracle", NormalizeType("oracle"))
}

func TestDialect(t *testing.T) {
	_, err := Dialect(config.Config{DBType: "oracle"})
	require.Error(t, err)

	for _, dbType := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialect(config.Config{DBType: dbType})
		require.NoError(t, err, dbType)
		assert.Equal(t, dbType, d.Name())
	}
}

func TestDSNs(t *testing.T) {
	cfg := config.Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "credits"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=credits sslmode=disable TimeZone=UTC", postgresDSN(cfg))

	cfg.DBPort = "3306"
	assert.Equal(t, "u:p@tcp(db:3306)/credits?charset=utf8mb4&parseTime=True&loc=UTC", mysqlDSN(cfg))

	assert.Equal(t, "file::memory:?cache=shared", sqliteDSN(""))
	assert.Equal(t, "file::memory:?cache=shared", sqliteDSN(":memory:"))
	assert.Equal(t, "credits.db?_busy_timeout=5000&_journal_mode=WAL", sqliteDSN("credits.db"))
}

func TestPoolConfigFrom(t *testing.T) {
	pool := PoolConfigFrom(config.Config{DBType: "postgres", DBMaxIdleConn: 5, DBMaxOpenConn: 20, DBConnMaxLifetime: 60})
	assert.Equal(t, 5, pool.MaxIdleConn)
	assert.Equal(t, 20, pool.MaxOpenConn)
	assert.Equal(t, time.Minute, pool.ConnMaxLifetime)

	pool = PoolConfigFrom(config.Config{DBType: "sqlite", DBMaxOpenConn: 20})
	assert.Equal(t, 1, pool.MaxOpenConn)
}

func TestIsSQLiteDB(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	assert.True(t, IsSQLiteDB(conn))
	assert.False(t, IsPostgresDB(conn))
	assert.False(t, IsSQLiteDB(nil))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "gorm_duplicate", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: ClassDuplicateKey},
		{name: "pg_unique", err: &pgconn.PgError{Code: "23505"}, want: ClassDuplicateKey},
		{name: "pg_serialization", err: &pgconn.PgError{Code: "40001"}, want: ClassSerialization},
		{name: "pg_deadlock", err: &pgconn.PgError{Code: "40P01"}, want: ClassDeadlock},
		{name: "pg_lock_not_available", err: &pgconn.PgError{Code: "55P03"}, want: ClassLockTimeout},
		{name: "pg_other", err: &pgconn.PgError{Code: "23503"}, want: ClassNone},
		{name: "mysql_duplicate", err: &mysql.MySQLError{Number: 1062}, want: ClassDuplicateKey},
		{name: "mysql_lock_wait", err: &mysql.MySQLError{Number: 1205}, want: ClassLockTimeout},
		{name: "sqlite_unique", err: errors.New("UNIQUE constraint failed: credit_usage_records.reservation_id"), want: ClassDuplicateKey},
		{name: "sqlite_busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: ClassBusy},
		{name: "other", err: errors.New("boom"), want: ClassNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
}
