package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	obsmetrics "github.com/fluxori/creditcore/internal/observability/metrics"
	"github.com/fluxori/creditcore/internal/resultcache/domain"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"github.com/golang/snappy"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRefreshLimit = 50
	topSubjectsLimit    = 10
	defaultOrphanGrace  = 24 * time.Hour
)

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
		log:        p.Log.Named("resultcache.service"),
		genID:      p.GenID,
		runner:     p.Runner,
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// NormalizeSubject maps a free-text keyword to its cache key.
func NormalizeSubject(subject string) string {
	return slug.Make(strings.TrimSpace(subject))
}

func NormalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

func normalizeKey(subject, scope string) (string, string, error) {
	key := NormalizeSubject(subject)
	if key == "" {
		return "", "", domain.ErrInvalidSubject
	}
	sc := NormalizeScope(scope)
	if sc == "" {
		return "", "", domain.ErrInvalidScope
	}
	return key, sc, nil
}

// Lookup reads without locking. Expired or inconsistent entries count as misses.
func (s *Service) Lookup(ctx context.Context, subject, scope string) (*domain.CacheEntry, bool, error) {
	return s.lookup(ctx, subject, scope, true)
}

// Peek is Lookup without touching the hit and miss counters, for price quotes.
func (s *Service) Peek(ctx context.Context, subject, scope string) (*domain.CacheEntry, bool, error) {
	return s.lookup(ctx, subject, scope, false)
}

func (s *Service) lookup(ctx context.Context, subject, scope string, count bool) (*domain.CacheEntry, bool, error) {
	key, sc, err := normalizeKey(subject, scope)
	if err != nil {
		return nil, false, err
	}
	now := s.clock.Now().UTC()

	entry, err := s.repo.FindEntry(ctx, s.db, key, sc)
	if err != nil {
		return nil, false, err
	}

	hit := entry != nil
	if hit && !entry.Consistent() {
		ctxlogger.WithContext(ctx, s.log).Error("inconsistent cache entry treated as absent",
			zap.String("entry_id", entry.ID.String()),
			zap.Time("created_at", entry.CreatedAt),
			zap.Time("expires_at", entry.ExpiresAt),
		)
		hit = false
	}
	if hit && entry.ExpiredAt(now) {
		hit = false
	}

	if count {
		if err := s.repo.IncrementCounter(ctx, s.db, sc, hit, now); err != nil {
			s.log.Warn("failed to record cache lookup", zap.String("scope", sc), zap.Error(err))
		}
		result := "miss"
		if hit {
			result = "hit"
		}
		s.obsMetrics.RecordCacheLookup(ctx, sc, result)
	}

	if !hit {
		return nil, false, nil
	}
	return entry, true, nil
}

// RecordHitOrCreate counts a hit on an existing entry or creates a cold one.
// Writes are version-checked, so a concurrent writer never loses a later extension.
func (s *Service) RecordHitOrCreate(ctx context.Context, req domain.RecordRequest) (*domain.CacheEntry, error) {
	key, sc, err := normalizeKey(req.Subject, req.Scope)
	if err != nil {
		return nil, err
	}
	label := strings.TrimSpace(req.Subject)

	return txn.Do(ctx, s.runner, func(tx *gorm.DB) (*domain.CacheEntry, error) {
		now := s.clock.Now().UTC()
		entry, err := s.repo.FindEntry(ctx, tx, key, sc)
		if err != nil {
			return nil, err
		}

		if entry == nil {
			if req.ResultRef == 0 {
				return nil, txn.Permanent(domain.ErrInvalidResult)
			}
			entry = newColdEntry(s.genID.Generate(), key, sc, label, req, now)
			inserted, err := s.repo.InsertEntry(ctx, tx, entry)
			if err != nil {
				return nil, err
			}
			if !inserted {
				return nil, txn.ErrConflict
			}
			return entry, nil
		}

		if entry.ExpiredAt(now) || !entry.Consistent() {
			if req.ResultRef == 0 {
				return nil, txn.Permanent(domain.ErrInvalidResult)
			}
			// a lapsed entry starts over instead of inheriting its old popularity
			fresh := newColdEntry(entry.ID, key, sc, label, req, now)
			fresh.Version = entry.Version
			entry = fresh
		} else {
			applyHit(entry, now)
			if req.ResultRef != 0 {
				entry.ResultRef = req.ResultRef
			}
			if req.ObservedVolume != nil {
				entry.ObservedVolume = req.ObservedVolume
			}
		}

		ok, err := s.repo.UpdateEntryCAS(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, txn.ErrConflict
		}
		return entry, nil
	}, txn.Named("resultcache.record"))
}

// Refresh swaps in a proactively recomputed result and restarts the TTL window
// without counting a hit.
func (s *Service) Refresh(ctx context.Context, subject, scope string, resultRef snowflake.ID) (*domain.CacheEntry, error) {
	key, sc, err := normalizeKey(subject, scope)
	if err != nil {
		return nil, err
	}
	if resultRef == 0 {
		return nil, domain.ErrInvalidResult
	}

	return txn.Do(ctx, s.runner, func(tx *gorm.DB) (*domain.CacheEntry, error) {
		now := s.clock.Now().UTC()
		entry, err := s.repo.FindEntry(ctx, tx, key, sc)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.ExpiredAt(now) {
			return nil, txn.Permanent(domain.ErrEntryNotFound)
		}

		entry.ResultRef = resultRef
		entry.Temperature = entry.Temperature.Max(domain.TemperatureCold)
		entry.LastRefreshedAt = laterOf(entry.LastRefreshedAt, now)
		entry.ExpiresAt = entry.LastRefreshedAt.Add(entry.Temperature.TTL())

		ok, err := s.repo.UpdateEntryCAS(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, txn.ErrConflict
		}
		return entry, nil
	}, txn.Named("resultcache.refresh"))
}

func (s *Service) FindNearExpiryPopular(ctx context.Context, limit int) ([]domain.CacheEntry, error) {
	if limit <= 0 {
		limit = defaultRefreshLimit
	}
	return s.repo.ListRefreshCandidates(ctx, s.db, s.clock.Now().UTC(), limit)
}

func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	deleted, err := s.repo.DeleteExpired(ctx, s.db, now)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("swept expired cache entries", zap.Int64("count", deleted))
	}
	return int(deleted), nil
}

// SweepOrphanResults deletes stored results older than olderThan that are no
// longer referenced. Younger rows are kept so a result saved moments before its
// cache entry or request item is written survives.
func (s *Service) SweepOrphanResults(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = defaultOrphanGrace
	}
	deleted, err := s.repo.DeleteOrphanResults(ctx, s.db, s.clock.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("swept orphaned results", zap.Int64("count", deleted))
	}
	return int(deleted), nil
}

func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	now := s.clock.Now().UTC()
	counts, err := s.repo.CountByTemperature(ctx, s.db, now)
	if err != nil {
		return domain.Stats{}, err
	}
	hits, misses, err := s.repo.SumCounters(ctx, s.db)
	if err != nil {
		return domain.Stats{}, err
	}
	top, err := s.repo.TopEntries(ctx, s.db, now, topSubjectsLimit)
	if err != nil {
		return domain.Stats{}, err
	}

	stats := domain.Stats{
		Counts: map[domain.Temperature]int64{
			domain.TemperatureHot:  counts[domain.TemperatureHot],
			domain.TemperatureWarm: counts[domain.TemperatureWarm],
			domain.TemperatureCold: counts[domain.TemperatureCold],
		},
		Hits:        hits,
		Misses:      misses,
		TopSubjects: make([]domain.SubjectStat, 0, len(top)),
	}
	for _, c := range stats.Counts {
		stats.Total += c
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	for _, entry := range top {
		stats.TopSubjects = append(stats.TopSubjects, domain.SubjectStat{
			Subject:     entry.Label,
			Scope:       entry.Scope,
			HitCount:    entry.HitCount,
			Temperature: entry.Temperature,
		})
	}
	return stats, nil
}

func (s *Service) SaveResult(ctx context.Context, req domain.SaveResultRequest) (*domain.KeywordResult, error) {
	key, sc, err := normalizeKey(req.Subject, req.Scope)
	if err != nil {
		return nil, err
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return nil, domain.ErrInvalidResult
	}

	result := &domain.KeywordResult{
		ID:         s.genID.Generate(),
		Subject:    key,
		Scope:      sc,
		Payload:    snappy.Encode(nil, req.Payload),
		ProducedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.InsertResult(ctx, s.db, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) LoadResults(ctx context.Context, ids []snowflake.ID) ([]domain.StoredResult, error) {
	rows, err := s.repo.FindResults(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StoredResult, 0, len(rows))
	for _, row := range rows {
		payload, err := snappy.Decode(nil, row.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode result %s: %w", row.ID, err)
		}
		out = append(out, domain.StoredResult{
			ID:         row.ID,
			Subject:    row.Subject,
			Scope:      row.Scope,
			Payload:    json.RawMessage(payload),
			ProducedAt: row.ProducedAt,
		})
	}
	return out, nil
}

func newColdEntry(id snowflake.ID, key, scope, label string, req domain.RecordRequest, now time.Time) *domain.CacheEntry {
	return &domain.CacheEntry{
		ID:              id,
		Subject:         key,
		Scope:           scope,
		Label:           label,
		ResultRef:       req.ResultRef,
		HitCount:        1,
		Temperature:     domain.TemperatureCold,
		ObservedVolume:  req.ObservedVolume,
		CreatedAt:       now,
		LastRefreshedAt: now,
		LastHitAt:       now,
		ExpiresAt:       now.Add(domain.TemperatureCold.TTL()),
	}
}

func applyHit(entry *domain.CacheEntry, now time.Time) {
	entry.HitCount++
	entry.Temperature = entry.Temperature.Max(domain.TemperatureForHits(entry.HitCount))
	entry.LastRefreshedAt = laterOf(entry.LastRefreshedAt, now)
	entry.ExpiresAt = entry.LastRefreshedAt.Add(entry.Temperature.TTL())
	entry.LastHitAt = laterOf(entry.LastHitAt, now)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
