package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	"github.com/fluxori/creditcore/internal/credit/domain"
	"github.com/fluxori/creditcore/internal/credit/repository"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/fluxori/creditcore/pkg/db/pagination"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&domain.CreditAccount{},
		&domain.CreditGrant{},
		&domain.CreditReservation{},
		&domain.UsageRecord{},
	))
	return conn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	runner := txn.NewExecutor(txn.Params{DB: conn, Log: zap.NewNop()})

	svc := NewService(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Runner: runner,
		Repo:   repository.Provide(),
		Clock:  clk,
	})
	return &testEnv{svc: svc, db: conn, clock: clk}
}

func (e *testEnv) grant(t *testing.T, orgID string, amount int64) {
	t.Helper()
	_, err := e.svc.Grant(context.Background(), domain.GrantRequest{OrgID: orgID, Amount: amount, Reason: "test"})
	require.NoError(t, err)
}

func (e *testEnv) reserve(t *testing.T, orgID, opID string, cost int64) domain.ReserveResult {
	t.Helper()
	res, err := e.svc.CheckAndReserve(context.Background(), domain.ReserveRequest{
		OrgID:         orgID,
		UserID:        "user-1",
		OperationID:   opID,
		OperationKind: "basic_research",
		ExpectedCost:  cost,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) balance(t *testing.T, orgID string) domain.Balance {
	t.Helper()
	b, err := e.svc.Balance(context.Background(), orgID)
	require.NoError(t, err)
	return b
}

func assertConserved(t *testing.T, b domain.Balance) {
	t.Helper()
	assert.Equal(t, b.TotalGranted, b.Available+b.Held+b.Committed)
	assert.GreaterOrEqual(t, b.Available, int64(0))
}

func int64Ptr(v int64) *int64 { return &v }

func TestCommitWithLowerActualCost(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)

	res := env.reserve(t, "org-1", "op1", 50)
	require.True(t, res.HasCredits)
	assert.Equal(t, int64(50), res.AvailableCredits)
	assert.Equal(t, int64(50), env.balance(t, "org-1").Held)

	record, err := env.svc.Commit(context.Background(), domain.CommitRequest{
		ReservationID: res.ReservationID,
		ResourceRef:   "request-1",
		ActualCost:    int64Ptr(45),
		Success:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(45), record.AmountCharged)
	assert.Equal(t, int64(50), record.AmountHeld)
	assert.Equal(t, res.ReservationID, record.ReservationID)

	b := env.balance(t, "org-1")
	assert.Equal(t, int64(55), b.Available)
	assert.Equal(t, int64(0), b.Held)
	assert.Equal(t, int64(45), b.Committed)
	assertConserved(t, b)

	reservation, err := env.svc.GetReservation(context.Background(), res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusCommitted, reservation.Status)
	require.NotNil(t, reservation.ResolvedAt)
}

func TestCheckAndReserveDeniesWhenBalanceTooLow(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 10)

	res := env.reserve(t, "org-1", "op1", 50)
	assert.False(t, res.HasCredits)
	assert.Equal(t, int64(10), res.AvailableCredits)
	assert.Zero(t, res.ReservationID)

	var count int64
	require.NoError(t, env.db.Model(&domain.CreditReservation{}).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, env.svc.Release(context.Background(), snowflake.ID(424242)))
	b := env.balance(t, "org-1")
	assert.Equal(t, int64(10), b.Available)
	assertConserved(t, b)
}

func TestCheckAndReserveUnknownOrgFailsClosed(t *testing.T) {
	env := newTestEnv(t)

	res := env.reserve(t, "org-new", "op1", 1)
	assert.False(t, res.HasCredits)
	assert.Zero(t, res.AvailableCredits)
}

func TestCheckAndReserveIsIdempotentWhileHeld(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)

	first := env.reserve(t, "org-1", "op1", 30)
	second := env.reserve(t, "org-1", "op1", 30)

	require.True(t, second.HasCredits)
	assert.True(t, second.Reused)
	assert.Equal(t, first.ReservationID, second.ReservationID)

	b := env.balance(t, "org-1")
	assert.Equal(t, int64(30), b.Held)
	assert.Equal(t, int64(70), b.Available)
}

func TestCheckAndReserveRejectsSettledOperation(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)

	res := env.reserve(t, "org-1", "op1", 20)
	_, err := env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: res.ReservationID, Success: true})
	require.NoError(t, err)

	_, err = env.svc.CheckAndReserve(context.Background(), domain.ReserveRequest{
		OrgID:        "org-1",
		OperationID:  "op1",
		ExpectedCost: 20,
	})
	require.ErrorIs(t, err, domain.ErrOperationSettled)
	assert.Equal(t, int64(80), env.balance(t, "org-1").Available)
}

func TestCheckAndReserveAfterReleaseCreatesNewHold(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)

	first := env.reserve(t, "org-1", "op1", 20)
	require.NoError(t, env.svc.Release(context.Background(), first.ReservationID))

	second := env.reserve(t, "org-1", "op1", 20)
	require.True(t, second.HasCredits)
	assert.False(t, second.Reused)
	assert.NotEqual(t, first.ReservationID, second.ReservationID)
	assert.Equal(t, int64(20), env.balance(t, "org-1").Held)
}

func TestCommitTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)
	res := env.reserve(t, "org-1", "op1", 40)

	_, err := env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: res.ReservationID, Success: true})
	require.NoError(t, err)
	afterFirst := env.balance(t, "org-1")

	_, err = env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: res.ReservationID, Success: true})
	require.ErrorIs(t, err, domain.ErrReservationState)

	require.NoError(t, env.svc.Release(context.Background(), res.ReservationID))
	assert.Equal(t, afterFirst, env.balance(t, "org-1"))

	var usage int64
	require.NoError(t, env.db.Model(&domain.UsageRecord{}).Count(&usage).Error)
	assert.Equal(t, int64(1), usage)
}

func TestCommitAfterReleaseIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)
	res := env.reserve(t, "org-1", "op1", 40)

	require.NoError(t, env.svc.Release(context.Background(), res.ReservationID))
	require.NoError(t, env.svc.Release(context.Background(), res.ReservationID))

	_, err := env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: res.ReservationID, Success: true})
	require.ErrorIs(t, err, domain.ErrReservationState)

	b := env.balance(t, "org-1")
	assert.Equal(t, int64(100), b.Available)
	assertConserved(t, b)
}

func TestCommitUnknownReservation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: snowflake.ID(99)})
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestCommitCapsChargeAtRemainingBalance(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 60)
	res := env.reserve(t, "org-1", "op1", 50)

	record, err := env.svc.Commit(context.Background(), domain.CommitRequest{
		ReservationID: res.ReservationID,
		ActualCost:    int64Ptr(80),
		Success:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(60), record.AmountCharged)
	assert.EqualValues(t, 80, record.Metadata["requested_cost"])

	b := env.balance(t, "org-1")
	assert.Equal(t, int64(0), b.Available)
	assertConserved(t, b)
}

func TestCommitRejectsNegativeActualCost(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 60)
	res := env.reserve(t, "org-1", "op1", 50)

	_, err := env.svc.Commit(context.Background(), domain.CommitRequest{
		ReservationID: res.ReservationID,
		ActualCost:    int64Ptr(-1),
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Equal(t, int64(50), env.balance(t, "org-1").Held)
}

func TestConservationAcrossMixedOperations(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 200)

	var ids []snowflake.ID
	for i := 0; i < 6; i++ {
		res := env.reserve(t, "org-1", fmt.Sprintf("op-%d", i), 25)
		require.True(t, res.HasCredits)
		ids = append(ids, res.ReservationID)
		assertConserved(t, env.balance(t, "org-1"))
	}
	for i, id := range ids {
		switch i % 3 {
		case 0:
			_, err := env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: id, ActualCost: int64Ptr(int64(10 + i)), Success: true})
			require.NoError(t, err)
		case 1:
			require.NoError(t, env.svc.Release(context.Background(), id))
		}
		assertConserved(t, env.balance(t, "org-1"))
	}

	b := env.balance(t, "org-1")
	assert.Equal(t, int64(50), b.Held)
	assert.Equal(t, int64(10+13), b.Committed)
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 30)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.svc.CheckAndReserve(context.Background(), domain.ReserveRequest{
				OrgID:        "org-1",
				OperationID:  fmt.Sprintf("op-%d", i),
				ExpectedCost: 5,
			})
			if err != nil {
				t.Errorf("reserve %d: %v", i, err)
				return
			}
			if res.HasCredits {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 6, granted)
	b := env.balance(t, "org-1")
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(30), b.Held)
}

func TestExpireStaleReturnsOldHolds(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)

	old := env.reserve(t, "org-1", "op-old", 30)
	env.clock.Advance(3 * time.Hour)
	fresh := env.reserve(t, "org-1", "op-fresh", 20)

	n, err := env.svc.ExpireStale(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := env.svc.GetReservation(context.Background(), old.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusExpired, expired.Status)

	kept, err := env.svc.GetReservation(context.Background(), fresh.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusHeld, kept.Status)

	b := env.balance(t, "org-1")
	assert.Equal(t, int64(20), b.Held)
	assert.Equal(t, int64(80), b.Available)
	assertConserved(t, b)

	_, err = env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: old.ReservationID})
	require.ErrorIs(t, err, domain.ErrReservationState)
}

func TestGrantValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Grant(context.Background(), domain.GrantRequest{OrgID: "org-1", Amount: 0})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = env.svc.Grant(context.Background(), domain.GrantRequest{OrgID: " ", Amount: 10})
	require.ErrorIs(t, err, domain.ErrInvalidOrganization)

	b, err := env.svc.Grant(context.Background(), domain.GrantRequest{OrgID: "org-1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.TotalGranted)

	var grants []domain.CreditGrant
	require.NoError(t, env.db.Find(&grants).Error)
	require.Len(t, grants, 1)
	assert.Equal(t, "grant", grants[0].Reason)
}

func TestListUsagePaginates(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "org-1", 100)

	for i := 0; i < 5; i++ {
		res := env.reserve(t, "org-1", fmt.Sprintf("op-%d", i), 5)
		_, err := env.svc.Commit(context.Background(), domain.CommitRequest{ReservationID: res.ReservationID, Success: true})
		require.NoError(t, err)
	}

	first, err := env.svc.ListUsage(context.Background(), domain.ListUsageRequest{OrgID: "org-1", PageSize: 3})
	require.NoError(t, err)
	require.Len(t, first.Records, 3)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := env.svc.ListUsage(context.Background(), domain.ListUsageRequest{
		OrgID:     "org-1",
		PageSize:  3,
		PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Records, 2)
	assert.False(t, second.HasMore)
	assert.Greater(t, first.Records[2].ID, second.Records[0].ID)

	_, err = env.svc.ListUsage(context.Background(), domain.ListUsageRequest{OrgID: "org-1", PageToken: "not-a-token"})
	require.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
