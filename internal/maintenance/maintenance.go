package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	creditdomain "github.com/fluxori/creditcore/internal/credit/domain"
	obsmetrics "github.com/fluxori/creditcore/internal/observability/metrics"
	"github.com/fluxori/creditcore/internal/ratelimit"
	researchdomain "github.com/fluxori/creditcore/internal/research/domain"
	resultcachedomain "github.com/fluxori/creditcore/internal/resultcache/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobProducerHealth     = "producer_health"
	JobDispatchQueue      = "dispatch_queue"
	JobExpireReservations = "expire_reservations"
	JobSweepCache         = "sweep_cache"
	JobRefreshPopular     = "refresh_popular"

	lockKeyPrefix = "maintenance:job:"
	lockGrace     = 30 * time.Second
)

var (
	ErrInvalidConfig = errors.New("invalid_maintenance_config")
	ErrUnknownJob    = errors.New("unknown_maintenance_job")
)

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Research researchdomain.Service
	Cache    resultcachedomain.Service
	Credits  creditdomain.Service
	Config   Config                         `optional:"true"`
	Locker   *ratelimit.Locker              `optional:"true"`
	Clock    clock.Clock                    `optional:"true"`
	Metrics  *obsmetrics.MaintenanceMetrics `optional:"true"`
}

type job struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      func(ctx context.Context, run *jobRun) error
	running  atomic.Bool
}

// Scheduler runs the periodic upkeep of the cache, the queue and outstanding
// reservations. Each job is single-flight within the process; with a Locker
// it is also single-flight across replicas.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	research researchdomain.Service
	cache    resultcachedomain.Service
	credits  creditdomain.Service
	locker   *ratelimit.Locker
	metrics  *obsmetrics.MaintenanceMetrics

	jobs []*job

	mu      sync.Mutex
	lastRun map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Research == nil || p.Cache == nil || p.Credits == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Maintenance()
	}
	s := &Scheduler{
		log:      p.Log.Named("maintenance").With(zap.String("component", "maintenance")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    clk,
		research: p.Research,
		cache:    p.Cache,
		credits:  p.Credits,
		locker:   p.Locker,
		metrics:  metrics,
		lastRun:  make(map[string]time.Time),
	}
	// health runs first so dispatch sees current capacity
	s.jobs = []*job{
		{name: JobProducerHealth, interval: s.cfg.HealthInterval, timeout: 10 * time.Second, run: s.producerHealthJob},
		{name: JobDispatchQueue, interval: s.cfg.DispatchInterval, timeout: 30 * time.Second, run: s.dispatchQueueJob},
		{name: JobExpireReservations, interval: s.cfg.ExpireInterval, timeout: 2 * time.Minute, run: s.expireReservationsJob},
		{name: JobSweepCache, interval: s.cfg.SweepInterval, timeout: 5 * time.Minute, run: s.sweepCacheJob},
		{name: JobRefreshPopular, interval: s.cfg.RefreshInterval, timeout: 5 * time.Minute, run: s.refreshPopularJob},
	}
	return s, nil
}

// Jobs lists the job names in run order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.name)
	}
	return names
}

// RunOnce runs every job whose interval has elapsed since its last run.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs {
		if !s.claimDue(j) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j))
	}
	return err
}

// Trigger runs a single job immediately, regardless of its interval.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.name != name {
			continue
		}
		s.mu.Lock()
		s.lastRun[j.name] = s.clock.Now()
		s.mu.Unlock()
		return s.runJob(ctx, j)
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// Start runs every job on its own goroutine until Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(len(s.jobs))
	for _, j := range s.jobs {
		go func(j *job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		s.lastRun[j.name] = s.clock.Now()
		s.mu.Unlock()
		if err := s.runJob(ctx, j); err != nil {
			s.log.Warn("maintenance job failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) claimDue(j *job) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[j.name]
	if ok && now.Sub(last) < j.interval {
		return false
	}
	s.lastRun[j.name] = now
	return true
}

func (s *Scheduler) runJob(parent context.Context, j *job) error {
	if !j.running.CompareAndSwap(false, true) {
		s.metrics.IncJobSkipped(j.name, obsmetrics.JobSkippedInFlight)
		return nil
	}
	defer j.running.Store(false)

	release, ok := s.acquire(parent, j)
	if !ok {
		return nil
	}
	defer release()

	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, j.timeout)
	defer cancel()

	ctx, run := s.startRun(ctx, j.name)
	s.metrics.IncJobRun(j.name)

	err := j.run(ctx, run)
	s.metrics.ObserveJobDuration(j.name, time.Since(start))
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(j.name, err)
	// a deadline is a soft timeout; the next tick picks up the rest
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(j.name)
		s.logger(ctx).Warn("maintenance job timed out",
			zap.String("job", j.name),
			zap.Duration("timeout", j.timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

func (s *Scheduler) acquire(ctx context.Context, j *job) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	lease, err := s.locker.Acquire(ctx, lockKeyPrefix+j.name, j.timeout+lockGrace)
	if err != nil {
		s.metrics.IncJobSkipped(j.name, obsmetrics.JobSkippedLockFailed)
		s.log.Warn("maintenance lock failed", zap.String("job", j.name), zap.Error(err))
		return nil, false
	}
	if !lease.Held() {
		s.metrics.IncJobSkipped(j.name, obsmetrics.JobSkippedLockHeld)
		return nil, false
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			s.log.Warn("maintenance lock release failed", zap.String("job", j.name), zap.Error(err))
		}
	}, true
}

func (s *Scheduler) producerHealthJob(ctx context.Context, _ *jobRun) error {
	return s.research.PollProducerHealth(ctx)
}

func (s *Scheduler) dispatchQueueJob(ctx context.Context, run *jobRun) error {
	n, err := s.research.DispatchPending(ctx)
	run.AddProcessed(n)
	s.metrics.AddBatchProcessed(JobDispatchQueue, "request", n)
	return err
}

// expireReservationsJob fails stalled requests before expiring reservations.
// Reservations get twice the stale window because a request may sit that long
// pending and again processing.
func (s *Scheduler) expireReservationsJob(ctx context.Context, run *jobRun) error {
	stale := s.cfg.ReservationStaleAfter

	failed, err := s.research.FailStalled(ctx, stale)
	run.AddProcessed(failed)
	s.metrics.AddBatchProcessed(JobExpireReservations, "request", failed)
	if err != nil {
		return err
	}

	expired, err := s.credits.ExpireStale(ctx, 2*stale)
	run.AddProcessed(expired)
	s.metrics.AddBatchProcessed(JobExpireReservations, "reservation", expired)
	return err
}

func (s *Scheduler) sweepCacheJob(ctx context.Context, run *jobRun) error {
	n, err := s.cache.SweepExpired(ctx)
	run.AddProcessed(n)
	s.metrics.AddBatchProcessed(JobSweepCache, "cache_entry", n)
	if err != nil {
		return err
	}
	orphans, err := s.cache.SweepOrphanResults(ctx, s.cfg.OrphanResultGrace)
	run.AddProcessed(orphans)
	s.metrics.AddBatchProcessed(JobSweepCache, "keyword_result", orphans)
	return err
}

func (s *Scheduler) refreshPopularJob(ctx context.Context, run *jobRun) error {
	n, err := s.research.RefreshPopular(ctx, s.cfg.RefreshBatchSize)
	run.AddProcessed(n)
	s.metrics.AddBatchProcessed(JobRefreshPopular, "cache_entry", n)
	return err
}
