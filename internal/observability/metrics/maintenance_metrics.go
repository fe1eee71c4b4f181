package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fluxori/creditcore/pkg/db"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonNotFound             = "not_found"
	JobReasonUnknown              = "unknown"

	JobSkippedInFlight   = "in_flight"
	JobSkippedLockHeld   = "lock_held"
	JobSkippedLockFailed = "lock_error"
)

// MaintenanceMetrics captures background job health signals.
type MaintenanceMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
}

var (
	maintenanceMetricsOnce sync.Once
	maintenanceMetrics     *MaintenanceMetrics
)

// Maintenance returns the singleton maintenance metrics registry.
func Maintenance() *MaintenanceMetrics {
	return MaintenanceWithConfig(Config{})
}

// MaintenanceWithConfig returns the singleton maintenance metrics registry using config labels.
func MaintenanceWithConfig(cfg Config) *MaintenanceMetrics {
	maintenanceMetricsOnce.Do(func() {
		maintenanceMetrics = newMaintenanceMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return maintenanceMetrics
}

// ResetMaintenanceMetricsForTest resets the maintenance metrics singleton for tests.
func ResetMaintenanceMetricsForTest() {
	maintenanceMetricsOnce = sync.Once{}
	maintenanceMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditcore"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newMaintenanceMetrics(registerer prometheus.Registerer, cfg Config) *MaintenanceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditcore_maintenance_job_runs_total",
		Help:        "Maintenance job runs by name.",
		ConstLabels: labels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditcore_maintenance_job_duration_seconds",
		Help:        "Maintenance job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: labels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditcore_maintenance_job_timeouts_total",
		Help:        "Maintenance job runs cut short by their deadline.",
		ConstLabels: labels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditcore_maintenance_job_errors_total",
		Help:        "Maintenance job errors by low-cardinality reason.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	jobSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditcore_maintenance_job_skipped_total",
		Help:        "Maintenance ticks skipped because a run was already in flight.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditcore_maintenance_batch_processed_total",
		Help:        "Items processed by maintenance jobs.",
		ConstLabels: labels,
	}, []string{"job", "resource"})

	registerer.MustRegister(jobRuns, jobDuration, jobTimeouts, jobErrors, jobSkipped, batchProcessed)

	return &MaintenanceMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		jobSkipped:     jobSkipped,
		batchProcessed: batchProcessed,
	}
}

func (m *MaintenanceMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *MaintenanceMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *MaintenanceMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *MaintenanceMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *MaintenanceMetrics) IncJobSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job, reason).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *MaintenanceMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound):
		return JobReasonNotFound
	}
	switch db.Classify(err) {
	case db.ClassDuplicateKey:
		return JobReasonUniqueViolation
	case db.ClassLockTimeout, db.ClassBusy:
		return JobReasonDBLockTimeout
	case db.ClassSerialization, db.ClassDeadlock:
		return JobReasonSerializationFailure
	}
	return JobReasonUnknown
}
