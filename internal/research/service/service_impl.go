package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	creditdomain "github.com/fluxori/creditcore/internal/credit/domain"
	"github.com/fluxori/creditcore/internal/notification"
	obsmetrics "github.com/fluxori/creditcore/internal/observability/metrics"
	pricingdomain "github.com/fluxori/creditcore/internal/pricing/domain"
	pricingservice "github.com/fluxori/creditcore/internal/pricing/service"
	"github.com/fluxori/creditcore/internal/producer"
	queuedomain "github.com/fluxori/creditcore/internal/queue/domain"
	"github.com/fluxori/creditcore/internal/ratelimit"
	"github.com/fluxori/creditcore/internal/research/domain"
	resultcachedomain "github.com/fluxori/creditcore/internal/resultcache/domain"
	resultcacheservice "github.com/fluxori/creditcore/internal/resultcache/service"
	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"github.com/fluxori/creditcore/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultDispatchCapacity  = 10
	defaultAverageProcessing = 30 * time.Second
	defaultWaitTimeout       = 5 * time.Minute
	defaultPollInterval      = 500 * time.Millisecond
)

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Credits      creditdomain.Service
	Pricing      pricingdomain.Service
	Cache        resultcachedomain.Service
	Queue        queuedomain.Service
	Producer     producer.Producer
	Availability *producer.Availability
	Notifier     notification.Sender          `optional:"true"`
	Limiter      *ratelimit.SubmissionLimiter `optional:"true"`
	Clock        clock.Clock                  `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	genID        *snowflake.Node
	credits      creditdomain.Service
	pricing      pricingdomain.Service
	cache        resultcachedomain.Service
	queue        queuedomain.Service
	producer     producer.Producer
	availability *producer.Availability
	notifier     notification.Sender
	limiter      *ratelimit.SubmissionLimiter
	clock        clock.Clock
	obsMetrics   *obsmetrics.Metrics

	pollInterval time.Duration
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	availability := p.Availability
	if availability == nil {
		availability = producer.NewAvailability()
	}
	return &Service{
		log:          p.Log.Named("research.service"),
		genID:        p.GenID,
		credits:      p.Credits,
		pricing:      p.Pricing,
		cache:        p.Cache,
		queue:        p.Queue,
		producer:     p.Producer,
		availability: availability,
		notifier:     p.Notifier,
		limiter:      p.Limiter,
		clock:        clk,
		obsMetrics:   p.ObsMetrics,
		pollInterval: defaultPollInterval,
	}
}

type cacheHit struct {
	subject string
	entry   *resultcachedomain.CacheEntry
}

func (s *Service) EstimateCost(ctx context.Context, req domain.EstimateRequest) (pricingdomain.Quote, error) {
	kind, err := domain.ParseOperationKind(req.OperationKind)
	if err != nil {
		return pricingdomain.Quote{}, err
	}
	marketplaces := pricingservice.NormalizeMarketplaces(req.Marketplaces)
	itemCount := req.ItemCount
	fraction := 0.0

	subjects := normalizeSubjects(req.Subjects)
	if len(subjects) > 0 {
		itemCount = len(subjects)
		if req.CacheHitFraction == nil && len(marketplaces) > 0 {
			hits, err := s.lookupAll(ctx, subjects, marketplaces, s.cache.Peek)
			if err != nil {
				return pricingdomain.Quote{}, err
			}
			fraction = float64(len(hits)) / float64(len(subjects)*len(marketplaces))
		}
	}
	if req.CacheHitFraction != nil {
		fraction = *req.CacheHitFraction
	}

	return s.pricing.Estimate(ctx, pricingdomain.EstimateRequest{
		OperationKind:    string(kind),
		ItemCount:        itemCount,
		Marketplaces:     marketplaces,
		CacheHitFraction: fraction,
		AddOns:           req.AddOns,
	})
}

// SubmitRequest prices the request against the cache, reserves credit and queues
// the cache misses. A fully cached request is settled immediately. Any failure after
// the reservation releases it before returning.
func (s *Service) SubmitRequest(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	orgID := strings.TrimSpace(req.OrgID)
	subjects := normalizeSubjects(req.Subjects)
	marketplaces := pricingservice.NormalizeMarketplaces(req.Marketplaces)
	if orgID == "" || len(subjects) == 0 || len(marketplaces) == 0 {
		return nil, domain.ErrInvalidRequest
	}
	kind, err := domain.ParseOperationKind(req.OperationKind)
	if err != nil {
		return nil, err
	}

	if err = s.limiter.AllowOrg(ctx, orgID); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			s.obsMetrics.RecordRateLimitDenied(ctx, orgID)
		}
		return nil, err
	}
	if missing := s.availability.UnavailableScopes(marketplaces); len(missing) > 0 {
		return nil, &domain.UnavailableError{Marketplaces: missing}
	}

	operationID := strings.TrimSpace(req.OperationID)
	if operationID == "" {
		operationID = "research:" + s.genID.Generate().String()
	}
	unlock, err := s.limiter.LockOperation(ctx, orgID, operationID)
	if err != nil {
		return nil, err
	}
	defer unlock(context.WithoutCancel(ctx))

	hits, err := s.lookupAll(ctx, subjects, marketplaces, s.cache.Lookup)
	if err != nil {
		return nil, err
	}
	total := len(subjects) * len(marketplaces)
	quote, err := s.pricing.Estimate(ctx, pricingdomain.EstimateRequest{
		OperationKind:    string(kind),
		ItemCount:        len(subjects),
		Marketplaces:     marketplaces,
		CacheHitFraction: float64(len(hits)) / float64(total),
		AddOns:           req.AddOns,
	})
	if err != nil {
		return nil, err
	}

	priority := domain.EffectivePriority(req.Priority, kind, req.Urgent)
	reservation, err := s.credits.CheckAndReserve(ctx, creditdomain.ReserveRequest{
		OrgID:         orgID,
		UserID:        req.UserID,
		OperationID:   operationID,
		OperationKind: string(kind),
		ExpectedCost:  quote.TotalCost,
		Metadata: map[string]any{
			"subjects":     len(subjects),
			"marketplaces": strings.Join(marketplaces, ","),
			"tier_id":      quote.TierID.String(),
			"priority":     priority,
		},
	})
	if err != nil {
		return nil, err
	}
	if !reservation.HasCredits {
		return nil, &domain.InsufficientCreditError{Available: reservation.AvailableCredits, Required: quote.TotalCost}
	}

	if reservation.Reused {
		existing, err := s.queue.FindByReservation(ctx, reservation.ReservationID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &domain.SubmitResult{
				Request:  existing,
				Quote:    quote,
				Position: s.position(ctx, existing.ID),
				Cached:   existing.Status == queuedomain.RequestStatusCached,
				Reused:   true,
			}, nil
		}
	}

	seeds := make([]queuedomain.ItemSeed, 0, total)
	for _, subject := range subjects {
		for _, scope := range marketplaces {
			seed := queuedomain.ItemSeed{Subject: subject, Scope: scope}
			if hit, ok := hits[cacheKey(subject, scope)]; ok {
				seed.Status = queuedomain.ItemStatusCached
				seed.ResultRef = hit.entry.ResultRef
			}
			seeds = append(seeds, seed)
		}
	}

	enqueue := queuedomain.EnqueueRequest{
		OrgID:         orgID,
		UserID:        req.UserID,
		Subjects:      subjects,
		Marketplaces:  marketplaces,
		AddOns:        req.AddOns,
		Priority:      priority,
		ReservationID: reservation.ReservationID,
		OperationID:   operationID,
		EstimatedCost: quote.TotalCost,
		Items:         seeds,
	}
	fullyCached := len(hits) == total
	if fullyCached {
		enqueue.SettleAs = queuedomain.RequestStatusCached
		enqueue.Settlement = cachedSettlement(quote.TotalCost)
	}

	request, err := s.queue.Enqueue(ctx, enqueue)
	if err != nil {
		s.releaseQuietly(ctx, reservation.ReservationID)
		return nil, err
	}
	s.recordHits(ctx, hits)

	result := &domain.SubmitResult{Request: request, Quote: quote}
	if !fullyCached {
		result.Position = s.position(ctx, request.ID)
		return result, nil
	}
	s.notify(ctx, request)
	result.Cached = true
	return result, nil
}

// QueueStatus reports the organization's backlog. The wait estimate uses the
// global backlog ahead of the request and the recent average processing time.
func (s *Service) QueueStatus(ctx context.Context, orgID string, requestID *snowflake.ID) (domain.QueueStatus, error) {
	orgID = strings.TrimSpace(orgID)
	counts, err := s.queue.Counts(ctx, orgID)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	global, err := s.queue.Counts(ctx, "")
	if err != nil {
		return domain.QueueStatus{}, err
	}
	status := domain.QueueStatus{
		PendingCount:    counts.Pending,
		ProcessingCount: counts.Processing,
	}

	ahead := global.Pending
	if requestID != nil {
		request, err := s.queue.Get(ctx, *requestID)
		if err != nil {
			return domain.QueueStatus{}, err
		}
		if request.OrgID != orgID {
			return domain.QueueStatus{}, queuedomain.ErrRequestNotFound
		}
		status.Position = s.position(ctx, request.ID)
		ahead = 0
		if status.Position != nil {
			ahead = int64(*status.Position)
		}
	}

	avg, ok, err := s.queue.AverageProcessingTime(ctx, 0)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	if !ok {
		avg = defaultAverageProcessing
	}
	parallel := 1
	if h, ok := s.availability.Snapshot(); ok && h.Capacity > 0 {
		parallel = h.Capacity
	}
	status.EstimatedWaitSeconds = int64(math.Ceil(float64(ahead) * avg.Seconds() / float64(parallel)))
	return status, nil
}

func (s *Service) Results(ctx context.Context, orgID string, requestID snowflake.ID) (*domain.Results, error) {
	request, err := s.queue.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.OrgID != strings.TrimSpace(orgID) {
		return nil, queuedomain.ErrRequestNotFound
	}
	items, err := s.queue.Items(ctx, requestID)
	if err != nil {
		return nil, err
	}

	refs := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		if item.ResultRef != 0 {
			refs = append(refs, item.ResultRef)
		}
	}
	stored, err := s.cache.LoadResults(ctx, refs)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]resultcachedomain.StoredResult, len(stored))
	for _, r := range stored {
		byID[r.ID] = r
	}

	out := &domain.Results{Request: request, Items: make([]domain.ItemResult, 0, len(items))}
	for _, item := range items {
		view := domain.ItemResult{
			Subject: item.Subject,
			Scope:   item.Scope,
			Status:  item.Status,
			Error:   item.Error,
		}
		if r, ok := byID[item.ResultRef]; ok {
			producedAt := r.ProducedAt
			view.Payload = r.Payload
			view.ProducedAt = &producedAt
		}
		out.Items = append(out.Items, view)
	}
	return out, nil
}

func (s *Service) CacheStats(ctx context.Context) (resultcachedomain.Stats, error) {
	return s.cache.Stats(ctx)
}

// HandleResult applies an asynchronous producer delivery. Deliveries for finished
// requests are ignored so the producer may retry safely.
func (s *Service) HandleResult(ctx context.Context, result producer.BatchResult) error {
	ctx = ctxlogger.ContextWithRequest(ctx, result.RequestID.String())
	log := ctxlogger.WithContext(ctx, s.log)
	if result.Refresh {
		return s.applyRefresh(ctx, result)
	}

	request, err := s.queue.Get(ctx, result.RequestID)
	if err != nil {
		if errors.Is(err, queuedomain.ErrRequestNotFound) {
			log.Warn("result for unknown request")
		}
		return err
	}
	if request.Status.Terminal() {
		log.Info("ignoring result for finished request", zap.String("status", string(request.Status)))
		return nil
	}
	if request.Status != queuedomain.RequestStatusProcessing {
		return fmt.Errorf("%w: result for %s request", queuedomain.ErrInvalidTransition, request.Status)
	}

	if request.CancelRequested {
		_, err := s.queue.Transition(ctx, request.ID, queuedomain.RequestStatusCanceled, queuedomain.TransitionFields{
			Error: "canceled while processing",
		})
		return err
	}

	items, err := s.queue.Items(ctx, request.ID)
	if err != nil {
		return err
	}
	updates, cached, succeeded := s.collectItems(ctx, items, result)

	var finished *queuedomain.QueuedRequest
	if result.Error != "" || succeeded == 0 {
		reason := strings.TrimSpace(result.Error)
		if reason == "" {
			reason = "producer returned no results"
		}
		finished, err = s.queue.Transition(ctx, request.ID, queuedomain.RequestStatusFailed, queuedomain.TransitionFields{
			Error: reason,
			Items: updates,
		})
	} else {
		cost := proportionalCost(request.EstimatedCost, cached+succeeded, len(items))
		ratio := float64(cached) / float64(len(items))
		finished, err = s.queue.Transition(ctx, request.ID, queuedomain.RequestStatusCompleted, queuedomain.TransitionFields{
			ActualCost:    &cost,
			CacheHitRatio: &ratio,
			Items:         updates,
			Metadata:      map[string]any{"items_succeeded": succeeded, "items_cached": cached},
		})
		if errors.Is(err, creditdomain.ErrReservationState) {
			log.Error("reservation no longer held at completion", zap.Error(err))
			finished, err = s.queue.Transition(ctx, request.ID, queuedomain.RequestStatusFailed, queuedomain.TransitionFields{
				Error: "reservation expired before completion",
				Items: updates,
			})
		}
	}
	if err != nil {
		return err
	}
	s.notify(ctx, finished)
	return nil
}

// collectItems stores successful results and builds the per-item updates for the
// still pending items of a request.
func (s *Service) collectItems(ctx context.Context, items []queuedomain.RequestItem, result producer.BatchResult) ([]queuedomain.ItemUpdate, int, int) {
	log := ctxlogger.WithContext(ctx, s.log)
	delivered := make(map[string]producer.ItemResult, len(result.Items))
	for _, r := range result.Items {
		delivered[cacheKey(r.Subject, r.Scope)] = r
	}

	var (
		updates   []queuedomain.ItemUpdate
		cached    int
		succeeded int
	)
	for _, item := range items {
		if item.Status == queuedomain.ItemStatusCached {
			cached++
			continue
		}
		if item.Status != queuedomain.ItemStatusPending {
			continue
		}
		update := queuedomain.ItemUpdate{Subject: item.Subject, Scope: item.Scope, Status: queuedomain.ItemStatusFailed}
		r, ok := delivered[cacheKey(item.Subject, item.Scope)]
		switch {
		case result.Error != "":
			update.Error = result.Error
		case !ok:
			update.Error = "missing from producer result"
		case !r.Success:
			update.Error = r.Error
			if update.Error == "" {
				update.Error = "producer reported failure"
			}
		default:
			stored, err := s.cache.SaveResult(ctx, resultcachedomain.SaveResultRequest{
				Subject: item.Subject,
				Scope:   item.Scope,
				Payload: r.Payload,
			})
			if err != nil {
				log.Warn("failed to store result", zap.String("subject", item.Subject), zap.String("scope", item.Scope), zap.Error(err))
				update.Error = err.Error()
				break
			}
			if _, err := s.cache.RecordHitOrCreate(ctx, resultcachedomain.RecordRequest{
				Subject:        item.Subject,
				Scope:          item.Scope,
				ResultRef:      stored.ID,
				ObservedVolume: r.SearchVolume,
			}); err != nil {
				log.Warn("failed to cache result", zap.String("subject", item.Subject), zap.String("scope", item.Scope), zap.Error(err))
			}
			update.Status = queuedomain.ItemStatusSucceeded
			update.ResultRef = stored.ID
			succeeded++
		}
		updates = append(updates, update)
	}
	return updates, cached, succeeded
}

func (s *Service) applyRefresh(ctx context.Context, result producer.BatchResult) error {
	log := ctxlogger.WithContext(ctx, s.log)
	if result.Error != "" {
		log.Warn("refresh batch failed", zap.String("error", result.Error))
		return nil
	}
	refreshed := 0
	for _, r := range result.Items {
		if !r.Success {
			continue
		}
		stored, err := s.cache.SaveResult(ctx, resultcachedomain.SaveResultRequest{Subject: r.Subject, Scope: r.Scope, Payload: r.Payload})
		if err != nil {
			log.Warn("failed to store refreshed result", zap.String("subject", r.Subject), zap.Error(err))
			continue
		}
		if _, err := s.cache.Refresh(ctx, r.Subject, r.Scope, stored.ID); err != nil {
			if errors.Is(err, resultcachedomain.ErrEntryNotFound) {
				log.Debug("refreshed entry expired meanwhile", zap.String("subject", r.Subject))
				continue
			}
			log.Warn("failed to refresh cache entry", zap.String("subject", r.Subject), zap.Error(err))
			continue
		}
		refreshed++
	}
	log.Info("refresh batch applied", zap.Int("refreshed", refreshed), zap.Int("delivered", len(result.Items)))
	return nil
}

func (s *Service) Cancel(ctx context.Context, orgID string, requestID snowflake.ID) (*queuedomain.QueuedRequest, error) {
	return s.queue.RequestCancel(ctx, strings.TrimSpace(orgID), requestID)
}

// WaitForCompletion polls until the request finishes. Running out of time returns
// ErrWaitTimeout; a failed request returns ErrProducerFailure.
func (s *Service) WaitForCompletion(ctx context.Context, requestID snowflake.ID, timeout time.Duration) (*queuedomain.QueuedRequest, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		request, err := s.queue.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		switch request.Status {
		case queuedomain.RequestStatusCompleted, queuedomain.RequestStatusCached:
			return request, nil
		case queuedomain.RequestStatusFailed:
			return request, fmt.Errorf("%w: %s", domain.ErrProducerFailure, request.Error)
		case queuedomain.RequestStatusCanceled:
			return request, domain.ErrRequestCanceled
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return request, err
			}
			return request, domain.ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// DispatchPending hands pending requests to the producer, never more than it
// reports free capacity for.
func (s *Service) DispatchPending(ctx context.Context) (int, error) {
	capacity := s.availability.FreeCapacity(defaultDispatchCapacity)
	if capacity <= 0 {
		return 0, nil
	}
	batch, err := s.queue.NextBatch(ctx, capacity)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, request := range batch {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		ok, err := s.dispatch(ctx, request)
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

func (s *Service) dispatch(ctx context.Context, request queuedomain.QueuedRequest) (bool, error) {
	ctx = ctxlogger.ContextWithRequest(ctx, request.ID.String())
	log := ctxlogger.WithContext(ctx, s.log)

	if missing := s.availability.UnavailableScopes(request.Marketplaces.Data()); len(missing) > 0 {
		reason := (&domain.UnavailableError{Marketplaces: missing}).Error()
		return false, s.fail(ctx, request.ID, reason)
	}

	items, err := s.queue.Items(ctx, request.ID)
	if err != nil {
		return false, err
	}
	batch := producer.Batch{
		RequestID: request.ID,
		OrgID:     request.OrgID,
		Priority:  request.Priority,
		Trace:     correlation.Inject(ctx),
	}
	for _, item := range items {
		if item.Status == queuedomain.ItemStatusPending {
			batch.Items = append(batch.Items, producer.BatchItem{Subject: item.Subject, Scope: item.Scope})
		}
	}
	if len(batch.Items) == 0 {
		return false, s.settleWithoutFetch(ctx, request, items)
	}

	if _, err := s.queue.Transition(ctx, request.ID, queuedomain.RequestStatusProcessing, queuedomain.TransitionFields{}); err != nil {
		if errors.Is(err, queuedomain.ErrInvalidTransition) {
			log.Debug("request left pending before dispatch")
			return false, nil
		}
		return false, err
	}

	if err := s.producer.Submit(ctx, batch); err != nil {
		s.obsMetrics.RecordProducerSubmit(ctx, "request", "rejected")
		log.Warn("producer rejected batch", zap.Error(err))
		return false, s.fail(ctx, request.ID, "producer rejected batch: "+err.Error())
	}
	s.obsMetrics.RecordProducerSubmit(ctx, "request", "accepted")
	return true, nil
}

// settleWithoutFetch finishes a pending request that has nothing left to fetch.
// When every item was served from the cache it settles as cached.
func (s *Service) settleWithoutFetch(ctx context.Context, request queuedomain.QueuedRequest, items []queuedomain.RequestItem) error {
	for _, item := range items {
		if item.Status != queuedomain.ItemStatusCached {
			return s.fail(ctx, request.ID, "no items left to fetch")
		}
	}
	if len(items) == 0 {
		return s.fail(ctx, request.ID, "no items left to fetch")
	}
	settled, err := s.queue.Transition(ctx, request.ID, queuedomain.RequestStatusCached, cachedSettlement(request.EstimatedCost))
	if errors.Is(err, queuedomain.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	s.notify(ctx, settled)
	return nil
}

// RefreshPopular resubmits hot and warm entries close to expiry. The work is
// system funded; no reservation is taken.
func (s *Service) RefreshPopular(ctx context.Context, limit int) (int, error) {
	if s.availability.FreeCapacity(defaultDispatchCapacity) <= 0 {
		return 0, nil
	}
	entries, err := s.cache.FindNearExpiryPopular(ctx, limit)
	if err != nil {
		return 0, err
	}

	batch := producer.Batch{
		RequestID: s.genID.Generate(),
		Priority:  domain.MinPriority,
		Refresh:   true,
		Trace:     correlation.Inject(ctx),
	}
	for _, entry := range entries {
		if len(s.availability.UnavailableScopes([]string{entry.Scope})) > 0 {
			continue
		}
		subject := entry.Label
		if subject == "" {
			subject = entry.Subject
		}
		batch.Items = append(batch.Items, producer.BatchItem{Subject: subject, Scope: entry.Scope})
	}
	if len(batch.Items) == 0 {
		return 0, nil
	}

	if err := s.producer.Submit(ctx, batch); err != nil {
		s.obsMetrics.RecordProducerSubmit(ctx, "refresh", "rejected")
		return 0, err
	}
	s.obsMetrics.RecordProducerSubmit(ctx, "refresh", "accepted")
	s.log.Info("submitted cache refresh", zap.Int("items", len(batch.Items)))
	return len(batch.Items), nil
}

func (s *Service) PollProducerHealth(ctx context.Context) error {
	now := s.clock.Now().UTC()
	previous, seen := s.availability.Snapshot()

	health, err := s.producer.Health(ctx)
	if err != nil {
		s.availability.MarkDisconnected(now)
		if !seen || previous.Connected {
			s.log.Warn("producer unreachable", zap.Error(err))
		}
		return err
	}
	if health.CheckedAt.IsZero() {
		health.CheckedAt = now
	}
	s.availability.Update(health)
	if !seen || previous.Connected != health.Connected {
		s.log.Info("producer availability changed",
			zap.Bool("connected", health.Connected),
			zap.Strings("scopes", health.AvailableScopes),
			zap.Int("capacity", health.Capacity),
		)
	}
	return nil
}

// FailStalled fails requests stuck pending or processing for longer than olderThan,
// releasing their reservations.
func (s *Service) FailStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	failed := 0
	for _, status := range []queuedomain.RequestStatus{queuedomain.RequestStatusPending, queuedomain.RequestStatusProcessing} {
		stale, err := s.queue.ListStale(ctx, status, olderThan, 0)
		if err != nil {
			return failed, err
		}
		for _, request := range stale {
			finished, err := s.queue.Transition(ctx, request.ID, queuedomain.RequestStatusFailed, queuedomain.TransitionFields{
				Error: fmt.Sprintf("stalled while %s", status),
			})
			if errors.Is(err, queuedomain.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return failed, err
			}
			failed++
			s.notify(ctx, finished)
		}
	}
	if failed > 0 {
		s.log.Info("failed stalled requests", zap.Int("count", failed))
	}
	return failed, nil
}

type lookupFunc func(ctx context.Context, subject, scope string) (*resultcachedomain.CacheEntry, bool, error)

func (s *Service) lookupAll(ctx context.Context, subjects, scopes []string, lookup lookupFunc) (map[string]cacheHit, error) {
	hits := make(map[string]cacheHit)
	for _, subject := range subjects {
		for _, scope := range scopes {
			entry, ok, err := lookup(ctx, subject, scope)
			if err != nil {
				return nil, err
			}
			if ok {
				hits[cacheKey(subject, scope)] = cacheHit{subject: subject, entry: entry}
			}
		}
	}
	return hits, nil
}

func (s *Service) recordHits(ctx context.Context, hits map[string]cacheHit) {
	for _, hit := range hits {
		if _, err := s.cache.RecordHitOrCreate(ctx, resultcachedomain.RecordRequest{
			Subject:   hit.subject,
			Scope:     hit.entry.Scope,
			ResultRef: hit.entry.ResultRef,
		}); err != nil {
			s.log.Warn("failed to record cache hit", zap.String("subject", hit.subject), zap.Error(err))
		}
	}
}

func (s *Service) position(ctx context.Context, id snowflake.ID) *int {
	pos, ok, err := s.queue.Position(ctx, id)
	if err != nil {
		s.log.Warn("failed to compute queue position", zap.String("request_id", id.String()), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &pos
}

func (s *Service) fail(ctx context.Context, id snowflake.ID, reason string) error {
	finished, err := s.queue.Transition(ctx, id, queuedomain.RequestStatusFailed, queuedomain.TransitionFields{Error: reason})
	if errors.Is(err, queuedomain.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	s.notify(ctx, finished)
	return nil
}

func (s *Service) releaseQuietly(ctx context.Context, reservationID snowflake.ID) {
	if err := s.credits.Release(context.WithoutCancel(ctx), reservationID); err != nil {
		ctxlogger.WithContext(ctx, s.log).Error("failed to release reservation",
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) notify(ctx context.Context, request *queuedomain.QueuedRequest) {
	if s.notifier == nil || request == nil || request.CancelRequested {
		return
	}
	s.notifier.Send(ctx, request.ID, request.OrgID)
}

func cachedSettlement(cost int64) queuedomain.TransitionFields {
	ratio := 1.0
	return queuedomain.TransitionFields{ActualCost: &cost, CacheHitRatio: &ratio}
}

func cacheKey(subject, scope string) string {
	return resultcacheservice.NormalizeSubject(subject) + "\x00" + resultcacheservice.NormalizeScope(scope)
}

// normalizeSubjects trims, drops blanks and removes subjects that share a cache key.
func normalizeSubjects(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		subject := strings.TrimSpace(raw)
		key := resultcacheservice.NormalizeSubject(subject)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, subject)
	}
	return out
}

// proportionalCost charges the estimate for the share of items actually delivered,
// rounded up.
func proportionalCost(estimated int64, resolved, total int) int64 {
	if total <= 0 || resolved >= total {
		return estimated
	}
	return (estimated*int64(resolved) + int64(total) - 1) / int64(total)
}
