package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type counterRow struct {
	ID    int64 `gorm:"primaryKey"`
	Value int64
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(&counterRow{}))
	return conn
}

func newTestExecutor(t *testing.T) (*Executor, *gorm.DB) {
	conn := setupTestDB(t)
	return NewExecutor(Params{DB: conn, Log: zap.NewNop()}), conn
}

func countRows(t *testing.T, conn *gorm.DB) int64 {
	var n int64
	require.NoError(t, conn.Model(&counterRow{}).Count(&n).Error)
	return n
}

func TestRunTransactionCommits(t *testing.T) {
	exec, conn := newTestExecutor(t)

	err := exec.RunTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&counterRow{ID: 1, Value: 10}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), countRows(t, conn))
}

func TestRunTransactionRetriesConflictAndRollsBackFailedAttempts(t *testing.T) {
	exec, conn := newTestExecutor(t)

	calls := 0
	err := exec.RunTransaction(context.Background(), func(tx *gorm.DB) error {
		calls++
		if err := tx.Create(&counterRow{ID: int64(calls), Value: 1}).Error; err != nil {
			return err
		}
		if calls < 3 {
			return ErrConflict
		}
		return nil
	}, WithBaseDelay(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(1), countRows(t, conn))

	var row counterRow
	require.NoError(t, conn.First(&row).Error)
	assert.Equal(t, int64(3), row.ID)
}

func TestRunTransactionExhausted(t *testing.T) {
	exec, _ := newTestExecutor(t)

	calls := 0
	err := exec.RunTransaction(context.Background(), func(tx *gorm.DB) error {
		calls++
		return fmt.Errorf("update account: %w", ErrConflict)
	}, WithMaxAttempts(3), WithBaseDelay(time.Millisecond))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRunTransactionAbortsOnNonTransientError(t *testing.T) {
	exec, conn := newTestExecutor(t)
	boom := errors.New("insufficient_credit")

	calls := 0
	err := exec.RunTransaction(context.Background(), func(tx *gorm.DB) error {
		calls++
		require.NoError(t, tx.Create(&counterRow{ID: 1}).Error)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(0), countRows(t, conn))

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestRunTransactionPermanentOverridesTransient(t *testing.T) {
	exec, _ := newTestExecutor(t)

	calls := 0
	err := exec.RunTransaction(context.Background(), func(tx *gorm.DB) error {
		calls++
		return Permanent(ErrConflict)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrConflict)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestRunTransactionReadOnly(t *testing.T) {
	exec, conn := newTestExecutor(t)
	require.NoError(t, conn.Create(&counterRow{ID: 7, Value: 70}).Error)

	var got counterRow
	err := exec.RunTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.First(&got, 7).Error
	}, ReadOnly())
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.Value)
}

func TestDoReturnsValueOfSuccessfulAttempt(t *testing.T) {
	exec, _ := newTestExecutor(t)

	calls := 0
	value, err := Do(context.Background(), exec, func(tx *gorm.DB) (int, error) {
		calls++
		if calls == 1 {
			return 1, ErrConflict
		}
		return calls * 10, nil
	}, WithBaseDelay(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 20, value)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "conflict", err: ErrConflict, want: true},
		{name: "wrapped_conflict", err: fmt.Errorf("cas: %w", ErrConflict), want: true},
		{name: "pg_serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "pg_deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "pg_unique", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "mysql_deadlock", err: &mysql.MySQLError{Number: 1213}, want: true},
		{name: "mysql_lock_wait", err: &mysql.MySQLError{Number: 1205}, want: true},
		{name: "mysql_duplicate", err: &mysql.MySQLError{Number: 1062}, want: false},
		{name: "sqlite_locked", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: true},
		{name: "permanent", err: Permanent(ErrConflict), want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestJitterBackOffSchedule(t *testing.T) {
	b := newJitterBackOff(10 * time.Millisecond)

	b.random = func() float64 { return 0 }
	assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())

	b.random = func() float64 { return 0.999999 }
	d := b.NextBackOff()
	assert.Greater(t, d, 39*time.Millisecond)
	assert.LessOrEqual(t, d, 40*time.Millisecond)

	b.Reset()
	b.random = func() float64 { return 0 }
	assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
}
