package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	"github.com/fluxori/creditcore/internal/credit/domain"
	obsmetrics "github.com/fluxori/creditcore/internal/observability/metrics"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/fluxori/creditcore/pkg/db/option"
	"github.com/fluxori/creditcore/pkg/db/pagination"
	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const expireBatchSize = 500

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Runner     txn.Runner
	Repo       domain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	runner     txn.Runner
	repo       domain.Repository
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
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		runner:     p.Runner,
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CheckAndReserve(ctx context.Context, req domain.ReserveRequest) (domain.ReserveResult, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return domain.ReserveResult{}, domain.ErrInvalidOrganization
	}
	operationID := strings.TrimSpace(req.OperationID)
	if operationID == "" {
		return domain.ReserveResult{}, domain.ErrInvalidOperation
	}
	if req.ExpectedCost < 0 {
		return domain.ReserveResult{}, domain.ErrInvalidAmount
	}
	kind := strings.TrimSpace(req.OperationKind)

	result, err := txn.Do(ctx, s.runner, func(tx *gorm.DB) (domain.ReserveResult, error) {
		now := s.clock.Now().UTC()

		existing, err := s.repo.FindActiveByOperation(ctx, tx, orgID, operationID)
		if err != nil {
			return domain.ReserveResult{}, err
		}
		if existing != nil {
			if existing.Status == domain.ReservationStatusCommitted {
				return domain.ReserveResult{}, txn.Permanent(domain.ErrOperationSettled)
			}
			account, err := s.repo.FindAccount(ctx, tx, orgID)
			if err != nil {
				return domain.ReserveResult{}, err
			}
			var available int64
			if account != nil {
				available = account.Available()
			}
			return domain.ReserveResult{
				HasCredits:       true,
				AvailableCredits: available,
				ReservationID:    existing.ID,
				Reused:           true,
			}, nil
		}

		if err := s.repo.EnsureAccount(ctx, tx, orgID, now); err != nil {
			return domain.ReserveResult{}, err
		}
		account, err := s.repo.FindAccount(ctx, tx, orgID)
		if err != nil {
			return domain.ReserveResult{}, err
		}
		if account == nil {
			return domain.ReserveResult{}, txn.ErrConflict
		}

		available := account.Available()
		if available < req.ExpectedCost {
			return domain.ReserveResult{HasCredits: false, AvailableCredits: available}, nil
		}

		account.Held += req.ExpectedCost
		ok, err := s.repo.UpdateAccountCAS(ctx, tx, account, now)
		if err != nil {
			return domain.ReserveResult{}, err
		}
		if !ok {
			return domain.ReserveResult{}, txn.ErrConflict
		}

		reservation := &domain.CreditReservation{
			ID:            s.genID.Generate(),
			OrgID:         orgID,
			UserID:        strings.TrimSpace(req.UserID),
			OperationID:   operationID,
			OperationKind: kind,
			Amount:        req.ExpectedCost,
			Status:        domain.ReservationStatusHeld,
			Metadata:      datatypes.JSONMap(copyMetadata(req.Metadata)),
			CreatedAt:     now,
		}
		if err := s.repo.InsertReservation(ctx, tx, reservation); err != nil {
			return domain.ReserveResult{}, err
		}

		return domain.ReserveResult{
			HasCredits:       true,
			AvailableCredits: account.Available(),
			ReservationID:    reservation.ID,
		}, nil
	}, txn.Named("credit.reserve"))
	if err != nil {
		return domain.ReserveResult{}, err
	}

	log := ctxlogger.WithContext(ctx, s.log).With(
		zap.String("org_id", orgID),
		zap.String("operation_id", operationID),
		zap.Int64("expected_cost", req.ExpectedCost),
	)
	switch {
	case !result.HasCredits:
		s.obsMetrics.RecordReservation(ctx, kind, "denied")
		log.Info("reservation denied", zap.Int64("available", result.AvailableCredits))
	case result.Reused:
		s.obsMetrics.RecordReservation(ctx, kind, "reused")
		log.Debug("reservation reused", zap.String("reservation_id", result.ReservationID.String()))
	default:
		s.obsMetrics.RecordReservation(ctx, kind, "reserved")
		log.Debug("credits reserved", zap.String("reservation_id", result.ReservationID.String()))
	}
	return result, nil
}

func (s *Service) Commit(ctx context.Context, req domain.CommitRequest) (*domain.UsageRecord, error) {
	return txn.Do(ctx, s.runner, func(tx *gorm.DB) (*domain.UsageRecord, error) {
		return s.CommitTx(ctx, tx, req)
	}, txn.Named("credit.commit"))
}

func (s *Service) CommitTx(ctx context.Context, tx *gorm.DB, req domain.CommitRequest) (*domain.UsageRecord, error) {
	if req.ReservationID == 0 {
		return nil, txn.Permanent(domain.ErrReservationNotFound)
	}
	if req.ActualCost != nil && *req.ActualCost < 0 {
		return nil, txn.Permanent(domain.ErrInvalidAmount)
	}
	now := s.clock.Now().UTC()

	reservation, err := s.repo.FindReservation(ctx, tx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if reservation == nil {
		return nil, txn.Permanent(domain.ErrReservationNotFound)
	}
	if reservation.Status != domain.ReservationStatusHeld {
		return nil, txn.Permanent(fmt.Errorf("%w: reservation %s is %s", domain.ErrReservationState, reservation.ID, reservation.Status))
	}

	account, err := s.repo.FindAccount(ctx, tx, reservation.OrgID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("credit account %s missing for reservation %s", reservation.OrgID, reservation.ID)
	}

	metadata := mergeMetadata(reservation.Metadata, req.Metadata)
	charge := reservation.Amount
	if req.ActualCost != nil {
		charge = *req.ActualCost
	}
	// the hold is already carved out of the balance, so the ceiling is hold + what is left
	ceiling := reservation.Amount + account.Available()
	if charge > ceiling {
		metadata["requested_cost"] = charge
		metadata["capped"] = true
		ctxlogger.WithContext(ctx, s.log).Warn("actual cost exceeds balance, capping charge",
			zap.String("reservation_id", reservation.ID.String()),
			zap.Int64("requested_cost", charge),
			zap.Int64("charged", ceiling),
		)
		charge = ceiling
	}

	account.Held -= reservation.Amount
	account.Committed += charge
	ok, err := s.repo.UpdateAccountCAS(ctx, tx, account, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, txn.ErrConflict
	}

	reservation.Metadata = metadata
	ok, err = s.repo.ResolveReservation(ctx, tx, reservation, domain.ReservationStatusCommitted, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, txn.ErrConflict
	}

	record := &domain.UsageRecord{
		ID:            s.genID.Generate(),
		OrgID:         reservation.OrgID,
		UserID:        reservation.UserID,
		ReservationID: reservation.ID,
		OperationKind: reservation.OperationKind,
		AmountCharged: charge,
		AmountHeld:    reservation.Amount,
		ResourceRef:   strings.TrimSpace(req.ResourceRef),
		Success:       req.Success,
		Metadata:      metadata,
		CreatedAt:     now,
	}
	if err := s.repo.InsertUsage(ctx, tx, record); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordCharge(ctx, reservation.OperationKind, charge)
	return record, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) error {
	return s.runner.RunTransaction(ctx, func(tx *gorm.DB) error {
		return s.ReleaseTx(ctx, tx, reservationID)
	}, txn.Named("credit.release"))
}

func (s *Service) ReleaseTx(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) error {
	return s.resolveHeld(ctx, tx, reservationID, domain.ReservationStatusReleased)
}

// resolveHeld returns a held amount to the balance. Unknown or already resolved
// reservations are logged and ignored so callers can release unconditionally.
func (s *Service) resolveHeld(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID, status domain.ReservationStatus) error {
	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("reservation_id", reservationID.String()))

	reservation, err := s.repo.FindReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if reservation == nil {
		log.Warn("release of unknown reservation ignored")
		return nil
	}
	if reservation.Status != domain.ReservationStatusHeld {
		log.Info("release of resolved reservation ignored", zap.String("status", string(reservation.Status)))
		return nil
	}

	now := s.clock.Now().UTC()
	account, err := s.repo.FindAccount(ctx, tx, reservation.OrgID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("credit account %s missing for reservation %s", reservation.OrgID, reservation.ID)
	}

	account.Held -= reservation.Amount
	ok, err := s.repo.UpdateAccountCAS(ctx, tx, account, now)
	if err != nil {
		return err
	}
	if !ok {
		return txn.ErrConflict
	}
	ok, err = s.repo.ResolveReservation(ctx, tx, reservation, status, now)
	if err != nil {
		return err
	}
	if !ok {
		return txn.ErrConflict
	}
	return nil
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (domain.Balance, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return domain.Balance{}, domain.ErrInvalidOrganization
	}
	if req.Amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "grant"
	}

	return txn.Do(ctx, s.runner, func(tx *gorm.DB) (domain.Balance, error) {
		now := s.clock.Now().UTC()
		if err := s.repo.EnsureAccount(ctx, tx, orgID, now); err != nil {
			return domain.Balance{}, err
		}
		account, err := s.repo.FindAccount(ctx, tx, orgID)
		if err != nil {
			return domain.Balance{}, err
		}
		if account == nil {
			return domain.Balance{}, txn.ErrConflict
		}

		account.TotalGranted += req.Amount
		ok, err := s.repo.UpdateAccountCAS(ctx, tx, account, now)
		if err != nil {
			return domain.Balance{}, err
		}
		if !ok {
			return domain.Balance{}, txn.ErrConflict
		}
		if err := s.repo.InsertGrant(ctx, tx, &domain.CreditGrant{
			ID:        s.genID.Generate(),
			OrgID:     orgID,
			Amount:    req.Amount,
			Reason:    reason,
			Reference: strings.TrimSpace(req.Reference),
			CreatedAt: now,
		}); err != nil {
			return domain.Balance{}, err
		}
		return toBalance(*account), nil
	}, txn.Named("credit.grant"))
}

func (s *Service) Balance(ctx context.Context, orgID string) (domain.Balance, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return domain.Balance{}, domain.ErrInvalidOrganization
	}
	account, err := s.repo.FindAccount(ctx, s.db, orgID)
	if err != nil {
		return domain.Balance{}, err
	}
	if account == nil {
		return domain.Balance{OrgID: orgID}, nil
	}
	return toBalance(*account), nil
}

func (s *Service) GetReservation(ctx context.Context, id snowflake.ID) (*domain.CreditReservation, error) {
	reservation, err := s.repo.FindReservation(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if reservation == nil {
		return nil, domain.ErrReservationNotFound
	}
	return reservation, nil
}

func (s *Service) ListUsage(ctx context.Context, req domain.ListUsageRequest) (domain.ListUsageResponse, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return domain.ListUsageResponse{}, domain.ErrInvalidOrganization
	}
	pageSize := option.NormalizePageSize(req.PageSize)
	if token := strings.TrimSpace(req.PageToken); token != "" {
		if _, err := pagination.DecodeCursor(token); err != nil {
			return domain.ListUsageResponse{}, err
		}
	}

	items, err := s.repo.ListUsage(ctx, s.db, domain.ListUsageFilter{
		OrgID:         orgID,
		UserID:        strings.TrimSpace(req.UserID),
		OperationKind: strings.TrimSpace(req.OperationKind),
		CreatedFrom:   req.CreatedFrom,
		CreatedTo:     req.CreatedTo,
	}, pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize})
	if err != nil {
		return domain.ListUsageResponse{}, err
	}

	items, pageInfo, err := pagination.Trim(items, pageSize, func(record *domain.UsageRecord) snowflake.ID {
		return record.ID
	})
	if err != nil {
		return domain.ListUsageResponse{}, err
	}

	records := make([]domain.UsageRecord, 0, len(items))
	for _, item := range items {
		if item != nil {
			records = append(records, *item)
		}
	}
	return domain.ListUsageResponse{PageInfo: pageInfo, Records: records}, nil
}

// ExpireStale returns holds older than olderThan to their balances. Each reservation
// resolves in its own transaction so one conflict does not stall the batch.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	stale, err := s.repo.ListHeldBefore(ctx, s.db, cutoff, expireBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, reservation := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		id := reservation.ID
		err := s.runner.RunTransaction(ctx, func(tx *gorm.DB) error {
			return s.resolveHeld(ctx, tx, id, domain.ReservationStatusExpired)
		}, txn.Named("credit.expire"))
		if err != nil {
			s.log.Warn("failed to expire reservation", zap.String("reservation_id", id.String()), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.Info("expired stale reservations", zap.Int("count", expired), zap.Time("cutoff", cutoff))
	}
	return expired, nil
}

func toBalance(account domain.CreditAccount) domain.Balance {
	return domain.Balance{
		OrgID:        account.OrgID,
		TotalGranted: account.TotalGranted,
		Held:         account.Held,
		Committed:    account.Committed,
		Available:    account.Available(),
	}
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeMetadata(base datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
