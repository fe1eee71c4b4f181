package txn

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fluxori/creditcore/internal/observability/metrics"
	"github.com/fluxori/creditcore/pkg/db"
	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Work is one attempt of a transactional unit. It may run several times and
// must not leak side effects outside tx.
type Work func(tx *gorm.DB) error

// Runner runs work inside a database transaction, retrying transient failures.
type Runner interface {
	RunTransaction(ctx context.Context, work Work, opts ...Option) error
}

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Executor struct {
	db      *gorm.DB
	log     *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.ExecutorMetrics
}

func NewExecutor(p Params) *Executor {
	return &Executor{
		db:      p.DB,
		log:     p.Log.Named("txn.executor"),
		tracer:  otel.Tracer("creditcore/txn"),
		metrics: metrics.Executor(),
	}
}

func (e *Executor) RunTransaction(ctx context.Context, work Work, opts ...Option) error {
	if work == nil {
		return errors.New("txn work is required")
	}
	s := newSettings(opts)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var txOpts []*sql.TxOptions
	if s.readOnly && !db.IsSQLiteDB(e.db) {
		txOpts = append(txOpts, &sql.TxOptions{ReadOnly: true})
	}

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		err := e.attempt(ctx, s, attempts, work, txOpts)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newJitterBackOff(s.baseDelay)),
		backoff.WithMaxTries(uint(s.maxAttempts)),
		backoff.WithMaxElapsedTime(s.timeout),
		backoff.WithNotify(func(err error, delay time.Duration) {
			e.metrics.IncRetry(transientReason(err))
			ctxlogger.WithContext(ctx, e.log).Debug("retrying transaction",
				zap.String("txn", s.name),
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		e.metrics.ObserveTransaction(metrics.TxOutcomeCommitted, attempts)
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	err = unwrapPermanent(err)

	if IsTransient(err) {
		e.metrics.ObserveTransaction(metrics.TxOutcomeExhausted, attempts)
		ctxlogger.WithContext(ctx, e.log).Warn("transaction retries exhausted",
			zap.String("txn", s.name),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	e.metrics.ObserveTransaction(metrics.TxOutcomeAborted, attempts)
	return err
}

func (e *Executor) attempt(ctx context.Context, s settings, n int, work Work, txOpts []*sql.TxOptions) error {
	ctx, span := e.tracer.Start(ctx, s.name, trace.WithAttributes(
		attribute.Int("txn.attempt", n),
		attribute.Bool("txn.read_only", s.readOnly),
	))
	defer span.End()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return work(tx)
	}, txOpts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		span.SetAttributes(attribute.Bool("txn.transient", IsTransient(err)))
	}
	return err
}

// Do runs work in a transaction and returns the value produced by the last successful attempt.
func Do[T any](ctx context.Context, r Runner, work func(tx *gorm.DB) (T, error), opts ...Option) (T, error) {
	var out T
	err := r.RunTransaction(ctx, func(tx *gorm.DB) error {
		v, err := work(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
