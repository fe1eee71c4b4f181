package maintenance

import (
	"context"
	"time"

	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"github.com/fluxori/creditcore/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) startRun(ctx context.Context, job string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
	// the run id doubles as the correlation id for everything the job touches
	ctx = correlation.ContextWithCorrelationID(ctx, run.runID)
	s.logger(ctx).Debug("maintenance.job.start", zap.String("job", job))
	return ctx, run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return ctxlogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	switch {
	case run.errorCount > 0:
		log.Warn("maintenance.job.finish", fields...)
	case run.processedCount > 0:
		log.Info("maintenance.job.finish", fields...)
	default:
		// idle ticks are frequent
		log.Debug("maintenance.job.finish", fields...)
	}
}
