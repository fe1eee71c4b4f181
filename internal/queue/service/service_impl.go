package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	creditdomain "github.com/fluxori/creditcore/internal/credit/domain"
	obsmetrics "github.com/fluxori/creditcore/internal/observability/metrics"
	"github.com/fluxori/creditcore/internal/queue/domain"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxBatchCapacity  = 500
	defaultSampleSize = 20
	defaultStaleLimit = 200
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Runner     txn.Runner
	Repo       domain.Repository
	Credits    creditdomain.Service
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	runner     txn.Runner
	repo       domain.Repository
	credits    creditdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("queue.service"),
		genID:      p.GenID,
		runner:     p.Runner,
		repo:       p.Repo,
		credits:    p.Credits,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueuedRequest, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" || len(req.Subjects) == 0 || len(req.Marketplaces) == 0 {
		return nil, domain.ErrInvalidRequest
	}
	if req.EstimatedCost < 0 {
		return nil, domain.ErrInvalidRequest
	}
	if req.SettleAs != "" && !req.SettleAs.Terminal() {
		return nil, domain.ErrInvalidRequest
	}

	request, err := txn.Do(ctx, s.runner, func(tx *gorm.DB) (*domain.QueuedRequest, error) {
		now := s.clock.Now().UTC()
		request := &domain.QueuedRequest{
			ID:            s.genID.Generate(),
			OrgID:         orgID,
			UserID:        strings.TrimSpace(req.UserID),
			Subjects:      datatypes.NewJSONType(append([]string(nil), req.Subjects...)),
			Marketplaces:  datatypes.NewJSONType(append([]string(nil), req.Marketplaces...)),
			AddOns:        datatypes.NewJSONType(copyAddOns(req.AddOns)),
			Priority:      req.Priority,
			Status:        domain.RequestStatusPending,
			RequestedAt:   now,
			ReservationID: req.ReservationID,
			OperationID:   strings.TrimSpace(req.OperationID),
			EstimatedCost: req.EstimatedCost,
		}
		if err := s.repo.Insert(ctx, tx, request); err != nil {
			return nil, err
		}

		items := make([]domain.RequestItem, 0, len(req.Items))
		for _, seed := range req.Items {
			status := seed.Status
			if status == "" {
				status = domain.ItemStatusPending
			}
			items = append(items, domain.RequestItem{
				ID:        s.genID.Generate(),
				RequestID: request.ID,
				Subject:   seed.Subject,
				Scope:     seed.Scope,
				Status:    status,
				ResultRef: seed.ResultRef,
				UpdatedAt: now,
			})
		}
		if err := s.repo.InsertItems(ctx, tx, items); err != nil {
			return nil, err
		}
		if req.SettleAs != "" {
			if err := s.applyTransition(ctx, tx, request, req.SettleAs, req.Settlement); err != nil {
				return nil, err
			}
		}
		return request, nil
	}, txn.Named("queue.enqueue"))
	if err != nil {
		return nil, err
	}
	if req.SettleAs != "" {
		s.obsMetrics.RecordQueueTransition(ctx, string(domain.RequestStatusPending), string(req.SettleAs))
	}
	return request, nil
}

// NextBatch returns up to capacity pending requests, highest priority first and FIFO within a priority.
func (s *Service) NextBatch(ctx context.Context, capacity int) ([]domain.QueuedRequest, error) {
	if capacity <= 0 {
		return nil, nil
	}
	if capacity > maxBatchCapacity {
		capacity = maxBatchCapacity
	}
	return s.repo.ListPending(ctx, s.db, capacity)
}

// Position is the 1-based rank among pending requests; false when the request is not pending.
func (s *Service) Position(ctx context.Context, id snowflake.ID) (int, bool, error) {
	request, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return 0, false, err
	}
	if request == nil || request.Status != domain.RequestStatusPending {
		return 0, false, nil
	}
	ahead, err := s.repo.CountAhead(ctx, s.db, request)
	if err != nil {
		return 0, false, err
	}
	return int(ahead) + 1, true, nil
}

// Transition moves a request along the status graph. Entering completed or cached
// commits the reservation and entering failed or canceled releases it, in the same
// transaction as the status write.
func (s *Service) Transition(ctx context.Context, id snowflake.ID, to domain.RequestStatus, fields domain.TransitionFields) (*domain.QueuedRequest, error) {
	var from domain.RequestStatus
	request, err := txn.Do(ctx, s.runner, func(tx *gorm.DB) (*domain.QueuedRequest, error) {
		request, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if request == nil {
			return nil, txn.Permanent(domain.ErrRequestNotFound)
		}
		from = request.Status
		if err := s.applyTransition(ctx, tx, request, to, fields); err != nil {
			return nil, err
		}
		return request, nil
	}, txn.Named("queue.transition"))
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordQueueTransition(ctx, string(from), string(to))
	ctxlogger.WithContext(ctx, s.log).Info("request transitioned",
		zap.String("request_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return request, nil
}

func (s *Service) applyTransition(ctx context.Context, tx *gorm.DB, request *domain.QueuedRequest, to domain.RequestStatus, fields domain.TransitionFields) error {
	if !domain.CanTransition(request.Status, to) {
		return txn.Permanent(fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, request.Status, to))
	}

	now := s.clock.Now().UTC()
	request.Status = to
	switch {
	case to == domain.RequestStatusProcessing:
		request.StartedAt = &now
	case to.Terminal():
		request.CompletedAt = &now
	}
	if fields.ActualCost != nil {
		cost := *fields.ActualCost
		request.ActualCost = &cost
	}
	if fields.CacheHitRatio != nil {
		ratio := *fields.CacheHitRatio
		request.CacheHitRatio = &ratio
	}
	if fields.Error != "" {
		request.Error = fields.Error
	}

	ok, err := s.repo.UpdateCAS(ctx, tx, request)
	if err != nil {
		return err
	}
	if !ok {
		return txn.ErrConflict
	}

	if len(fields.Items) > 0 {
		if err := s.applyItems(ctx, tx, request.ID, fields.Items, now); err != nil {
			return err
		}
	}

	if !to.Terminal() || request.ReservationID == 0 {
		return nil
	}
	if to.Charges() {
		metadata := map[string]any{"request_id": request.ID.String(), "status": string(to)}
		for k, v := range fields.Metadata {
			metadata[k] = v
		}
		if request.CacheHitRatio != nil {
			metadata["cache_hit_ratio"] = *request.CacheHitRatio
		}
		_, err := s.credits.CommitTx(ctx, tx, creditdomain.CommitRequest{
			ReservationID: request.ReservationID,
			ResourceRef:   request.ID.String(),
			ActualCost:    request.ActualCost,
			Success:       true,
			Metadata:      metadata,
		})
		return err
	}
	return s.credits.ReleaseTx(ctx, tx, request.ReservationID)
}

func (s *Service) applyItems(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, updates []domain.ItemUpdate, now time.Time) error {
	items, err := s.repo.ListItems(ctx, tx, requestID)
	if err != nil {
		return err
	}
	index := make(map[string]*domain.RequestItem, len(items))
	for i := range items {
		index[itemKey(items[i].Subject, items[i].Scope)] = &items[i]
	}
	for _, update := range updates {
		item, ok := index[itemKey(update.Subject, update.Scope)]
		if !ok {
			s.log.Warn("ignoring update for unknown request item",
				zap.String("request_id", requestID.String()),
				zap.String("subject", update.Subject),
				zap.String("scope", update.Scope),
			)
			continue
		}
		item.Status = update.Status
		if update.ResultRef != 0 {
			item.ResultRef = update.ResultRef
		}
		item.Error = update.Error
		item.UpdatedAt = now
		if err := s.repo.UpdateItem(ctx, tx, item); err != nil {
			return err
		}
	}
	return nil
}

// UpdateItems records per-item progress without moving the request.
func (s *Service) UpdateItems(ctx context.Context, id snowflake.ID, updates []domain.ItemUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	_, err := txn.Do(ctx, s.runner, func(tx *gorm.DB) (struct{}, error) {
		request, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return struct{}{}, err
		}
		if request == nil {
			return struct{}{}, txn.Permanent(domain.ErrRequestNotFound)
		}
		if request.Status.Terminal() {
			return struct{}{}, txn.Permanent(domain.ErrRequestFinished)
		}
		return struct{}{}, s.applyItems(ctx, tx, id, updates, s.clock.Now().UTC())
	}, txn.Named("queue.items"))
	return err
}

// RequestCancel withdraws a pending request. A processing request is only flagged;
// its result is discarded and the reservation released when it arrives.
func (s *Service) RequestCancel(ctx context.Context, orgID string, id snowflake.ID) (*domain.QueuedRequest, error) {
	var from domain.RequestStatus
	request, err := txn.Do(ctx, s.runner, func(tx *gorm.DB) (*domain.QueuedRequest, error) {
		request, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if request == nil || request.OrgID != orgID {
			return nil, txn.Permanent(domain.ErrRequestNotFound)
		}
		from = request.Status

		switch request.Status {
		case domain.RequestStatusPending:
			request.CancelRequested = true
			if err := s.applyTransition(ctx, tx, request, domain.RequestStatusCanceled, domain.TransitionFields{Error: "canceled by user"}); err != nil {
				return nil, err
			}
		case domain.RequestStatusProcessing:
			if request.CancelRequested {
				return request, nil
			}
			request.CancelRequested = true
			ok, err := s.repo.UpdateCAS(ctx, tx, request)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, txn.ErrConflict
			}
		default:
			return nil, txn.Permanent(domain.ErrRequestFinished)
		}
		return request, nil
	}, txn.Named("queue.cancel"))
	if err != nil {
		return nil, err
	}
	if request.Status == domain.RequestStatusCanceled {
		s.obsMetrics.RecordQueueTransition(ctx, string(from), string(request.Status))
	}
	return request, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.QueuedRequest, error) {
	request, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, domain.ErrRequestNotFound
	}
	return request, nil
}

func (s *Service) FindByReservation(ctx context.Context, reservationID snowflake.ID) (*domain.QueuedRequest, error) {
	if reservationID == 0 {
		return nil, nil
	}
	return s.repo.FindByReservation(ctx, s.db, reservationID)
}

func (s *Service) Items(ctx context.Context, id snowflake.ID) ([]domain.RequestItem, error) {
	return s.repo.ListItems(ctx, s.db, id)
}

// Counts returns backlog sizes for an organization, or for everyone when orgID is empty.
func (s *Service) Counts(ctx context.Context, orgID string) (domain.Counts, error) {
	counts, err := s.repo.CountByStatus(ctx, s.db, strings.TrimSpace(orgID), []domain.RequestStatus{
		domain.RequestStatusPending,
		domain.RequestStatusProcessing,
	})
	if err != nil {
		return domain.Counts{}, err
	}
	return domain.Counts{
		Pending:    counts[domain.RequestStatusPending],
		Processing: counts[domain.RequestStatusProcessing],
	}, nil
}

// AverageProcessingTime averages started->completed over the most recent completed requests.
func (s *Service) AverageProcessingTime(ctx context.Context, sample int) (time.Duration, bool, error) {
	if sample <= 0 {
		sample = defaultSampleSize
	}
	rows, err := s.repo.ListRecentCompleted(ctx, s.db, sample)
	if err != nil {
		return 0, false, err
	}
	var (
		total time.Duration
		n     int
	)
	for _, row := range rows {
		if row.StartedAt == nil || row.CompletedAt == nil {
			continue
		}
		d := row.CompletedAt.Sub(*row.StartedAt)
		if d < 0 {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return total / time.Duration(n), true, nil
}

func (s *Service) ListStale(ctx context.Context, status domain.RequestStatus, olderThan time.Duration, limit int) ([]domain.QueuedRequest, error) {
	if status != domain.RequestStatusPending && status != domain.RequestStatusProcessing {
		return nil, domain.ErrInvalidRequest
	}
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	return s.repo.ListStale(ctx, s.db, status, cutoff, limit)
}

func itemKey(subject, scope string) string {
	return subject + "\x00" + scope
}

func copyAddOns(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
