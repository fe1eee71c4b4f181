package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	"github.com/fluxori/creditcore/internal/config"
	creditdomain "github.com/fluxori/creditcore/internal/credit/domain"
	creditrepository "github.com/fluxori/creditcore/internal/credit/repository"
	creditservice "github.com/fluxori/creditcore/internal/credit/service"
	pricingdomain "github.com/fluxori/creditcore/internal/pricing/domain"
	pricingservice "github.com/fluxori/creditcore/internal/pricing/service"
	"github.com/fluxori/creditcore/internal/producer"
	queuedomain "github.com/fluxori/creditcore/internal/queue/domain"
	queuerepository "github.com/fluxori/creditcore/internal/queue/repository"
	queueservice "github.com/fluxori/creditcore/internal/queue/service"
	"github.com/fluxori/creditcore/internal/research/domain"
	resultcachedomain "github.com/fluxori/creditcore/internal/resultcache/domain"
	resultcacherepository "github.com/fluxori/creditcore/internal/resultcache/repository"
	resultcacheservice "github.com/fluxori/creditcore/internal/resultcache/service"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testOrg = "org-1"

type stubProducer struct {
	mu        sync.Mutex
	batches   []producer.Batch
	submitErr error
	health    producer.Health
	healthErr error
}

func (p *stubProducer) Submit(_ context.Context, batch producer.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return p.submitErr
	}
	p.batches = append(p.batches, batch)
	return nil
}

func (p *stubProducer) Health(context.Context) (producer.Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health, p.healthErr
}

func (p *stubProducer) lastBatch(t *testing.T) producer.Batch {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.batches)
	return p.batches[len(p.batches)-1]
}

type recordingSender struct {
	mu   sync.Mutex
	sent []snowflake.ID
}

func (r *recordingSender) Send(_ context.Context, requestID snowflake.ID, _ string) {
	r.mu.Lock()
	r.sent = append(r.sent, requestID)
	r.mu.Unlock()
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type testEnv struct {
	svc          *Service
	credits      creditdomain.Service
	cache        resultcachedomain.Service
	queue        queuedomain.Service
	availability *producer.Availability
	notifier     *recordingSender
	clock        *clock.FakeClock
}

func newTestEnv(t *testing.T, prod producer.Producer) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&creditdomain.CreditAccount{},
		&creditdomain.CreditGrant{},
		&creditdomain.CreditReservation{},
		&creditdomain.UsageRecord{},
		&pricingdomain.Tier{},
		&resultcachedomain.CacheEntry{},
		&resultcachedomain.KeywordResult{},
		&resultcachedomain.CacheCounter{},
		&queuedomain.QueuedRequest{},
		&queuedomain.RequestItem{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 8, 4, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	runner := txn.NewExecutor(txn.Params{DB: conn, Log: log})

	credits := creditservice.NewService(creditservice.Params{
		DB: conn, Log: log, GenID: node, Runner: runner, Repo: creditrepository.Provide(), Clock: clk,
	})
	pricing := pricingservice.NewService(pricingservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Pricing: config.NewStaticPricingConfigHolder(config.PricingConfig{
			Name:                   "test",
			BasePrice:              10,
			OperationPrices: map[string]float64{
				"basic_research":      10,
				"competitor_analysis": 16,
				"historical_data":     20,
			},
			MarketplaceMultipliers: map[string]float64{"takealot": 1, "amazon": 1},
			CacheDiscount:          0.5,
		}),
	})
	cache := resultcacheservice.NewService(resultcacheservice.Params{
		DB: conn, Log: log, GenID: node, Runner: runner, Repo: resultcacherepository.Provide(), Clock: clk,
	})
	queue := queueservice.NewService(queueservice.Params{
		DB: conn, Log: log, GenID: node, Runner: runner, Repo: queuerepository.Provide(), Credits: credits, Clock: clk,
	})

	availability := producer.NewAvailability()
	notifier := &recordingSender{}
	svc := NewService(Params{
		Log:          log,
		GenID:        node,
		Credits:      credits,
		Pricing:      pricing,
		Cache:        cache,
		Queue:        queue,
		Producer:     prod,
		Availability: availability,
		Notifier:     notifier,
		Clock:        clk,
	}).(*Service)
	svc.pollInterval = 10 * time.Millisecond

	if binder, ok := prod.(producer.HandlerBinder); ok {
		binder.SetHandler(svc)
	}

	return &testEnv{
		svc:          svc,
		credits:      credits,
		cache:        cache,
		queue:        queue,
		availability: availability,
		notifier:     notifier,
		clock:        clk,
	}
}

func (e *testEnv) grant(t *testing.T, amount int64) {
	t.Helper()
	_, err := e.credits.Grant(context.Background(), creditdomain.GrantRequest{OrgID: testOrg, Amount: amount})
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T) creditdomain.Balance {
	t.Helper()
	b, err := e.credits.Balance(context.Background(), testOrg)
	require.NoError(t, err)
	return b
}

func (e *testEnv) seedCache(t *testing.T, subject, scope string) *resultcachedomain.CacheEntry {
	t.Helper()
	stored, err := e.cache.SaveResult(context.Background(), resultcachedomain.SaveResultRequest{
		Subject: subject,
		Scope:   scope,
		Payload: json.RawMessage(`{"search_volume":1200}`),
	})
	require.NoError(t, err)
	entry, err := e.cache.RecordHitOrCreate(context.Background(), resultcachedomain.RecordRequest{
		Subject:   subject,
		Scope:     scope,
		ResultRef: stored.ID,
	})
	require.NoError(t, err)
	return entry
}

func (e *testEnv) submit(t *testing.T, subjects ...string) *domain.SubmitResult {
	t.Helper()
	result, err := e.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID:        testOrg,
		UserID:       "user-1",
		Subjects:     subjects,
		Marketplaces: []string{"takealot"},
	})
	require.NoError(t, err)
	return result
}

func newMemoryProducer(t *testing.T, opts ...producer.MemoryOption) *producer.MemoryProducer {
	t.Helper()
	p := producer.NewMemoryProducer(zap.NewNop(), nil, opts...)
	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})
	return p
}

func TestSubmitDispatchAndComplete(t *testing.T) {
	env := newTestEnv(t, newMemoryProducer(t))
	env.grant(t, 100)

	submitted := env.submit(t, "earbuds", "phone case")
	assert.Equal(t, int64(20), submitted.Quote.TotalCost)
	assert.Equal(t, queuedomain.RequestStatusPending, submitted.Request.Status)
	require.NotNil(t, submitted.Position)
	assert.Equal(t, 1, *submitted.Position)
	assert.Equal(t, int64(20), env.balance(t).Held)

	dispatched, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	finished, err := env.svc.WaitForCompletion(context.Background(), submitted.Request.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.RequestStatusCompleted, finished.Status)

	balance := env.balance(t)
	assert.Equal(t, int64(0), balance.Held)
	assert.Equal(t, int64(20), balance.Committed)
	assert.Equal(t, int64(80), balance.Available)

	results, err := env.svc.Results(context.Background(), testOrg, submitted.Request.ID)
	require.NoError(t, err)
	require.Len(t, results.Items, 2)
	for _, item := range results.Items {
		assert.Equal(t, queuedomain.ItemStatusSucceeded, item.Status)
		assert.True(t, json.Valid(item.Payload))
		assert.NotNil(t, item.ProducedAt)
	}

	stats, err := env.svc.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 1, env.notifier.count())
}

func TestSubmitFullyCachedSettlesImmediately(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)
	seeded := env.seedCache(t, "earbuds", "takealot")

	submitted := env.submit(t, "Earbuds")
	assert.True(t, submitted.Cached)
	assert.Nil(t, submitted.Position)
	assert.Equal(t, queuedomain.RequestStatusCached, submitted.Request.Status)
	assert.Equal(t, int64(5), submitted.Quote.TotalCost)

	balance := env.balance(t)
	assert.Equal(t, int64(5), balance.Committed)
	assert.Equal(t, int64(0), balance.Held)

	entry, ok, err := env.cache.Lookup(context.Background(), "earbuds", "takealot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.HitCount)

	results, err := env.svc.Results(context.Background(), testOrg, submitted.Request.ID)
	require.NoError(t, err)
	require.Len(t, results.Items, 1)
	assert.Equal(t, queuedomain.ItemStatusCached, results.Items[0].Status)
	assert.JSONEq(t, `{"search_volume":1200}`, string(results.Items[0].Payload))
	assert.Equal(t, seeded.ResultRef, entry.ResultRef)
	assert.Equal(t, 1, env.notifier.count())
}

// dispatchingQueue runs a dispatch pass right after every enqueue, the way the
// dispatch_queue job can interleave with a submission.
type dispatchingQueue struct {
	queuedomain.Service
	afterEnqueue func(ctx context.Context)
}

func (q *dispatchingQueue) Enqueue(ctx context.Context, req queuedomain.EnqueueRequest) (*queuedomain.QueuedRequest, error) {
	request, err := q.Service.Enqueue(ctx, req)
	if err == nil {
		q.afterEnqueue(ctx)
	}
	return request, err
}

func TestFullyCachedSubmitSurvivesConcurrentDispatch(t *testing.T) {
	prod := &stubProducer{}
	env := newTestEnv(t, prod)
	env.grant(t, 100)
	env.seedCache(t, "earbuds", "takealot")

	dispatched := -1
	env.svc.queue = &dispatchingQueue{
		Service: env.queue,
		afterEnqueue: func(ctx context.Context) {
			n, err := env.svc.DispatchPending(ctx)
			require.NoError(t, err)
			dispatched = n
		},
	}

	submitted := env.submit(t, "earbuds")
	assert.Equal(t, 0, dispatched)
	assert.True(t, submitted.Cached)
	assert.Equal(t, queuedomain.RequestStatusCached, submitted.Request.Status)

	stored, err := env.queue.Get(context.Background(), submitted.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.RequestStatusCached, stored.Status)

	balance := env.balance(t)
	assert.Equal(t, int64(5), balance.Committed)
	assert.Equal(t, int64(0), balance.Held)
	assert.Empty(t, prod.batches)
	assert.Equal(t, 1, env.notifier.count())
}

func TestDispatchSettlesPendingRequestWithOnlyCachedItems(t *testing.T) {
	prod := &stubProducer{}
	env := newTestEnv(t, prod)
	env.grant(t, 100)
	entry := env.seedCache(t, "earbuds", "takealot")

	reservation, err := env.credits.CheckAndReserve(context.Background(), creditdomain.ReserveRequest{
		OrgID:         testOrg,
		OperationID:   "op-cached",
		OperationKind: string(domain.OperationKindBasicResearch),
		ExpectedCost:  5,
	})
	require.NoError(t, err)
	require.True(t, reservation.HasCredits)

	request, err := env.queue.Enqueue(context.Background(), queuedomain.EnqueueRequest{
		OrgID:         testOrg,
		Subjects:      []string{"earbuds"},
		Marketplaces:  []string{"takealot"},
		Priority:      5,
		ReservationID: reservation.ReservationID,
		OperationID:   "op-cached",
		EstimatedCost: 5,
		Items: []queuedomain.ItemSeed{{
			Subject:   "earbuds",
			Scope:     "takealot",
			Status:    queuedomain.ItemStatusCached,
			ResultRef: entry.ResultRef,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, queuedomain.RequestStatusPending, request.Status)

	dispatched, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)

	stored, err := env.queue.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.RequestStatusCached, stored.Status)
	require.NotNil(t, stored.ActualCost)
	assert.Equal(t, int64(5), *stored.ActualCost)
	assert.Equal(t, int64(5), env.balance(t).Committed)
	assert.Empty(t, prod.batches)
}

func TestSubmitDeniedWhenBalanceLow(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 10)

	_, err := env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID:        testOrg,
		Subjects:     []string{"a", "b", "c", "d", "e"},
		Marketplaces: []string{"takealot"},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientCredit)
	var insufficient *domain.InsufficientCreditError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Available)
	assert.Equal(t, int64(50), insufficient.Required)

	counts, err := env.queue.Counts(context.Background(), testOrg)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
	assert.Equal(t, int64(10), env.balance(t).Available)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})

	_, err := env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{OrgID: testOrg, Subjects: []string{"  "}, Marketplaces: []string{"takealot"}})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{OrgID: testOrg, Subjects: []string{"mug"}})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSubmitRejectsUnavailableMarketplace(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)
	env.availability.Update(producer.Health{Connected: true, AvailableScopes: []string{"takealot"}, Capacity: 2})

	_, err := env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID:        testOrg,
		Subjects:     []string{"mug"},
		Marketplaces: []string{"takealot", "amazon"},
	})
	require.ErrorIs(t, err, domain.ErrMarketplaceUnavailable)
	var unavailable *domain.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"amazon"}, unavailable.Marketplaces)
	assert.Equal(t, int64(0), env.balance(t).Held)
}

func TestSubmitIsIdempotentOnOperation(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)

	req := domain.SubmitRequest{
		OrgID:        testOrg,
		Subjects:     []string{"earbuds", "mug"},
		Marketplaces: []string{"takealot"},
		OperationID:  "op-1",
		Priority:     8,
		Urgent:       true,
	}
	first, err := env.svc.SubmitRequest(context.Background(), req)
	require.NoError(t, err)
	second, err := env.svc.SubmitRequest(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Reused)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Request.ID, second.Request.ID)
	assert.Equal(t, domain.MaxPriority, first.Request.Priority)
	assert.Equal(t, int64(20), env.balance(t).Held)
}

func TestPartialItemFailureChargesDeliveredShare(t *testing.T) {
	gen := func(ctx context.Context, item producer.BatchItem) producer.ItemResult {
		if item.Subject == "broken" {
			return producer.ItemResult{Subject: item.Subject, Scope: item.Scope, Error: "blocked"}
		}
		return producer.SimulatedResult(ctx, item)
	}
	env := newTestEnv(t, newMemoryProducer(t, producer.WithGenerator(gen)))
	env.grant(t, 100)

	submitted := env.submit(t, "earbuds", "broken")
	_, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)

	finished, err := env.svc.WaitForCompletion(context.Background(), submitted.Request.ID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, finished.ActualCost)
	assert.Equal(t, int64(10), *finished.ActualCost)

	balance := env.balance(t)
	assert.Equal(t, int64(10), balance.Committed)
	assert.Equal(t, int64(90), balance.Available)

	items, err := env.queue.Items(context.Background(), submitted.Request.ID)
	require.NoError(t, err)
	byStatus := map[queuedomain.ItemStatus]int{}
	for _, item := range items {
		byStatus[item.Status]++
		if item.Status == queuedomain.ItemStatusFailed {
			assert.Equal(t, "blocked", item.Error)
		}
	}
	assert.Equal(t, 1, byStatus[queuedomain.ItemStatusSucceeded])
	assert.Equal(t, 1, byStatus[queuedomain.ItemStatusFailed])
}

func TestBatchFailureReleasesReservation(t *testing.T) {
	prod := &stubProducer{}
	env := newTestEnv(t, prod)
	env.grant(t, 100)

	submitted := env.submit(t, "earbuds")
	_, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)

	err = env.svc.HandleResult(context.Background(), producer.BatchResult{
		RequestID: prod.lastBatch(t).RequestID,
		Error:     "scraper down",
	})
	require.NoError(t, err)

	balance := env.balance(t)
	assert.Equal(t, int64(0), balance.Held)
	assert.Equal(t, int64(0), balance.Committed)
	assert.Equal(t, int64(100), balance.Available)

	_, err = env.svc.WaitForCompletion(context.Background(), submitted.Request.ID, time.Second)
	require.ErrorIs(t, err, domain.ErrProducerFailure)
	require.NotErrorIs(t, err, domain.ErrWaitTimeout)

	// a redelivery for a finished request is ignored
	require.NoError(t, env.svc.HandleResult(context.Background(), producer.BatchResult{RequestID: submitted.Request.ID}))
}

func TestCancelWhileProcessingSuppressesCommit(t *testing.T) {
	prod := &stubProducer{}
	env := newTestEnv(t, prod)
	env.grant(t, 100)

	submitted := env.submit(t, "earbuds")
	_, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)

	flagged, err := env.svc.Cancel(context.Background(), testOrg, submitted.Request.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)
	assert.Equal(t, queuedomain.RequestStatusProcessing, flagged.Status)

	item := producer.SimulatedResult(context.Background(), producer.BatchItem{Subject: "earbuds", Scope: "takealot"})
	err = env.svc.HandleResult(context.Background(), producer.BatchResult{
		RequestID: submitted.Request.ID,
		Items:     []producer.ItemResult{item},
	})
	require.NoError(t, err)

	request, err := env.queue.Get(context.Background(), submitted.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.RequestStatusCanceled, request.Status)
	balance := env.balance(t)
	assert.Equal(t, int64(0), balance.Committed)
	assert.Equal(t, int64(0), balance.Held)
	assert.Zero(t, env.notifier.count())
}

func TestCancelPendingReleases(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)

	submitted := env.submit(t, "earbuds")
	canceled, err := env.svc.Cancel(context.Background(), testOrg, submitted.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.RequestStatusCanceled, canceled.Status)
	assert.Equal(t, int64(100), env.balance(t).Available)

	_, err = env.svc.WaitForCompletion(context.Background(), submitted.Request.ID, time.Second)
	require.ErrorIs(t, err, domain.ErrRequestCanceled)
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)

	submitted := env.submit(t, "earbuds")
	_, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)

	request, err := env.svc.WaitForCompletion(context.Background(), submitted.Request.ID, 50*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrWaitTimeout)
	require.NotErrorIs(t, err, domain.ErrProducerFailure)
	assert.Equal(t, queuedomain.RequestStatusProcessing, request.Status)
}

func TestDispatchFailsRejectedBatch(t *testing.T) {
	prod := &stubProducer{submitErr: producer.ErrUnavailable}
	env := newTestEnv(t, prod)
	env.grant(t, 100)

	submitted := env.submit(t, "earbuds")
	dispatched, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	request, err := env.queue.Get(context.Background(), submitted.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.RequestStatusFailed, request.Status)
	assert.Contains(t, request.Error, "producer rejected batch")
	assert.Equal(t, int64(0), env.balance(t).Held)
}

func TestDispatchRespectsCapacity(t *testing.T) {
	prod := &stubProducer{}
	env := newTestEnv(t, prod)
	env.grant(t, 100)
	env.submit(t, "earbuds")
	env.availability.Update(producer.Health{Connected: true, Capacity: 1, Active: 1})

	dispatched, err := env.svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	env.availability.Update(producer.Health{Connected: true, Capacity: 2, Active: 1})
	dispatched, err = env.svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Len(t, prod.lastBatch(t).Items, 1)
}

func TestRefreshPopularExtendsHotEntries(t *testing.T) {
	prod := &stubProducer{}
	env := newTestEnv(t, prod)

	entry := env.seedCache(t, "Desk Lamp", "takealot")
	for i := 0; i < 9; i++ {
		_, err := env.cache.RecordHitOrCreate(context.Background(), resultcachedomain.RecordRequest{
			Subject: "Desk Lamp", Scope: "takealot", ResultRef: entry.ResultRef,
		})
		require.NoError(t, err)
	}
	env.clock.Advance(37 * time.Hour)

	n, err := env.svc.RefreshPopular(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	batch := prod.lastBatch(t)
	assert.True(t, batch.Refresh)
	assert.Equal(t, "Desk Lamp", batch.Items[0].Subject)

	err = env.svc.HandleResult(context.Background(), producer.BatchResult{
		RequestID: batch.RequestID,
		Refresh:   true,
		Items:     []producer.ItemResult{producer.SimulatedResult(context.Background(), batch.Items[0])},
	})
	require.NoError(t, err)

	refreshed, ok, err := env.cache.Lookup(context.Background(), "desk lamp", "takealot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, entry.ResultRef, refreshed.ResultRef)
	assert.Equal(t, resultcachedomain.TemperatureHot, refreshed.Temperature)
	assert.Equal(t, env.clock.Now().UTC().Add(48*time.Hour), refreshed.ExpiresAt.UTC())
}

func TestPollProducerHealthGatesSubmission(t *testing.T) {
	prod := &stubProducer{healthErr: fmt.Errorf("connection refused")}
	env := newTestEnv(t, prod)
	env.grant(t, 100)

	require.Error(t, env.svc.PollProducerHealth(context.Background()))
	_, err := env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID: testOrg, Subjects: []string{"mug"}, Marketplaces: []string{"takealot"},
	})
	require.ErrorIs(t, err, producer.ErrUnavailable)

	prod.mu.Lock()
	prod.healthErr = nil
	prod.health = producer.Health{Connected: true, Capacity: 4}
	prod.mu.Unlock()
	require.NoError(t, env.svc.PollProducerHealth(context.Background()))

	env.submit(t, "mug")
}

func TestFailStalledReleasesReservations(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)
	env.submit(t, "earbuds")
	env.submit(t, "mug")

	env.clock.Advance(3 * time.Hour)
	failed, err := env.svc.FailStalled(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)
	assert.Equal(t, int64(100), env.balance(t).Available)
	assert.Equal(t, 2, env.notifier.count())
}

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)
	env.submit(t, "earbuds")
	second := env.submit(t, "mug")

	status, err := env.svc.QueueStatus(context.Background(), testOrg, &second.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.PendingCount)
	require.NotNil(t, status.Position)
	assert.Equal(t, 2, *status.Position)
	assert.Equal(t, int64(60), status.EstimatedWaitSeconds)

	_, err = env.svc.QueueStatus(context.Background(), "org-2", &second.Request.ID)
	require.ErrorIs(t, err, queuedomain.ErrRequestNotFound)

	overall, err := env.svc.QueueStatus(context.Background(), testOrg, nil)
	require.NoError(t, err)
	assert.Nil(t, overall.Position)
	assert.Equal(t, int64(60), overall.EstimatedWaitSeconds)
}

func TestEstimateCostObservesCache(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.seedCache(t, "earbuds", "takealot")

	quote, err := env.svc.EstimateCost(context.Background(), domain.EstimateRequest{
		Subjects:     []string{"earbuds", "mug"},
		Marketplaces: []string{"takealot"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15), quote.TotalCost)
	assert.Equal(t, 1, quote.Cache.CachedItems)

	none := 0.0
	quote, err = env.svc.EstimateCost(context.Background(), domain.EstimateRequest{
		Subjects:         []string{"earbuds", "mug"},
		Marketplaces:     []string{"takealot"},
		CacheHitFraction: &none,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), quote.TotalCost)

	quote, err = env.svc.EstimateCost(context.Background(), domain.EstimateRequest{ItemCount: 5, Marketplaces: []string{"takealot"}})
	require.NoError(t, err)
	assert.Equal(t, int64(50), quote.TotalCost)
}

func TestEstimateCostDoesNotCountLookups(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)
	env.seedCache(t, "earbuds", "takealot")

	for i := 0; i < 3; i++ {
		_, err := env.svc.EstimateCost(context.Background(), domain.EstimateRequest{
			Subjects:     []string{"earbuds", "mug"},
			Marketplaces: []string{"takealot"},
		})
		require.NoError(t, err)
	}
	stats, err := env.svc.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)

	env.submit(t, "earbuds", "mug")
	stats, err = env.svc.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestSubmitOperationKindPricesAndPrioritizes(t *testing.T) {
	env := newTestEnv(t, &stubProducer{})
	env.grant(t, 100)

	competitor, err := env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID:         testOrg,
		OperationKind: "competitor_analysis",
		Subjects:      []string{"mug"},
		Marketplaces:  []string{"takealot"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(16), competitor.Quote.TotalCost)
	assert.Equal(t, 9, competitor.Request.Priority)

	reservation, err := env.credits.GetReservation(context.Background(), competitor.Request.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, "competitor_analysis", reservation.OperationKind)

	historical, err := env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID:         testOrg,
		OperationKind: "historical_data",
		Subjects:      []string{"kettle"},
		Marketplaces:  []string{"takealot"},
		Urgent:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), historical.Quote.TotalCost)
	assert.Equal(t, 7, historical.Request.Priority)

	urgent, err := env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID:        testOrg,
		Subjects:     []string{"lamp"},
		Marketplaces: []string{"takealot"},
		Priority:     10,
		Urgent:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MaxPriority, urgent.Request.Priority)
	assert.Equal(t, int64(46), env.balance(t).Held)

	_, err = env.svc.SubmitRequest(context.Background(), domain.SubmitRequest{
		OrgID:         testOrg,
		OperationKind: "teleport",
		Subjects:      []string{"mug"},
		Marketplaces:  []string{"takealot"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestProportionalCost(t *testing.T) {
	assert.Equal(t, int64(20), proportionalCost(20, 2, 2))
	assert.Equal(t, int64(10), proportionalCost(20, 1, 2))
	assert.Equal(t, int64(7), proportionalCost(20, 1, 3))
	assert.Equal(t, int64(0), proportionalCost(20, 0, 3))
}
