package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fluxori/creditcore/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keySubmitOrg  = "research:submit:org:%s"
	keySubmitLock = "research:submit:lock:%s:%s"
)

var (
	ErrRateLimited        = errors.New("rate_limited")
	ErrSubmissionInFlight = errors.New("submission_in_flight")
)

// SubmissionLimiter throttles research submissions per organization and keeps two
// instances from submitting the same operation at once. A nil limiter allows everything.
type SubmissionLimiter struct {
	bucket  *Bucket
	locker  *Locker
	lockTTL time.Duration
}

func NewSubmissionLimiter(cfg config.Config, client *redis.Client) (*SubmissionLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires redis to be enabled")
	}
	bucket, err := NewBucket(client, limitCfg.SubmitOrgRate, limitCfg.SubmitOrgBurst)
	if err != nil {
		return nil, fmt.Errorf("submission org limit: %w", err)
	}
	lockTTL := time.Duration(limitCfg.LockTTLSeconds) * time.Second
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}

	return &SubmissionLimiter{
		bucket:  bucket,
		locker:  NewLocker(client),
		lockTTL: lockTTL,
	}, nil
}

func (l *SubmissionLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowOrg consumes one submission token. A denied call returns ErrRateLimited
// wrapped with the retry hint.
func (l *SubmissionLimiter) AllowOrg(ctx context.Context, orgID string) error {
	if !l.Enabled() {
		return nil
	}
	decision, err := l.bucket.Take(ctx, fmt.Sprintf(keySubmitOrg, strings.TrimSpace(orgID)))
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, decision.RetryAfter)
	}
	return nil
}

// LockOperation guards a single (org, operation) submission. The returned release
// func is always safe to call.
func (l *SubmissionLimiter) LockOperation(ctx context.Context, orgID, operationID string) (func(context.Context), error) {
	noop := func(context.Context) {}
	if !l.Enabled() || strings.TrimSpace(operationID) == "" {
		return noop, nil
	}
	key := fmt.Sprintf(keySubmitLock, strings.TrimSpace(orgID), strings.TrimSpace(operationID))
	lease, err := l.locker.Acquire(ctx, key, l.lockTTL)
	if err != nil {
		return noop, err
	}
	if !lease.Held() {
		return noop, ErrSubmissionInFlight
	}
	return func(ctx context.Context) {
		_ = l.locker.Release(ctx, lease)
	}, nil
}
