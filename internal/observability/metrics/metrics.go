// Package metrics exposes prometheus instruments for the billing engine.
package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

const (
	OutcomeBilled     = "billed"
	OutcomeTerminated = "terminated"
	OutcomeSkipped    = "skipped"
)

const (
	LockResourceCreditAccount    = "credit_account"
	LockResourceRunningInstances = "running_instances"
)

// Config carries the constant labels stamped on every instrument.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics captures billing engine health signals.
type Metrics struct {
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobTimeouts        *prometheus.CounterVec
	jobErrors          *prometheus.CounterVec
	instancesProcessed *prometheus.CounterVec
	creditTransactions *prometheus.CounterVec
	runLoopLag         prometheus.Histogram
	dbLockWait         *prometheus.HistogramVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *Metrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *Metrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *Metrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetForTest resets the metrics singleton for tests.
func ResetForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newMetrics(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "metered"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metered_billing_job_runs_total",
		Help:        "Billing job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "metered_billing_job_duration_seconds",
		Help:        "Billing job latency to protect cycle freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metered_billing_job_timeouts_total",
		Help:        "Billing job timeouts that delay charging.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metered_billing_job_errors_total",
		Help:        "Billing job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	instancesProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metered_billing_instances_processed_total",
		Help:        "Instances handled per billing cycle by outcome.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})
	creditTransactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metered_credit_transactions_total",
		Help:        "Credit ledger transactions by type.",
		ConstLabels: constLabels,
	}, []string{"type"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "metered_billing_runloop_lag_seconds",
		Help:        "Billing run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "metered_billing_db_lock_wait_seconds",
		Help:        "DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		instancesProcessed,
		creditTransactions,
		runLoopLag,
		dbLockWait,
	)

	return &Metrics{
		jobRuns:            jobRuns,
		jobDuration:        jobDuration,
		jobTimeouts:        jobTimeouts,
		jobErrors:          jobErrors,
		instancesProcessed: instancesProcessed,
		creditTransactions: creditTransactions,
		runLoopLag:         runLoopLag,
		dbLockWait:         dbLockWait,
	}
}

// IncJobRun increments the run counter for a billing job.
func (m *Metrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records billing job latency in seconds.
func (m *Metrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the billing job.
func (m *Metrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the billing job error counter with classification.
func (m *Metrics) IncJobError(job string, err error) {
	if m == nil || m.jobErrors == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

// AddInstancesProcessed increments the processed counter for an outcome by count.
func (m *Metrics) AddInstancesProcessed(job, outcome string, count int) {
	if m == nil || m.instancesProcessed == nil || count <= 0 {
		return
	}
	m.instancesProcessed.WithLabelValues(job, outcome).Add(float64(count))
}

// RecordCreditTransaction increments the ledger transaction counter by type.
func (m *Metrics) RecordCreditTransaction(txnType string) {
	if m == nil || m.creditTransactions == nil {
		return
	}
	m.creditTransactions.WithLabelValues(strings.TrimSpace(txnType)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *Metrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *Metrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil || m.dbLockWait == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyJobReason maps billing job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return JobReasonUniqueViolation
	}
	if isDBError(err) {
		return JobReasonDB
	}
	return JobReasonUnknown
}

// IsJobErrorRetryable reports whether the billing job error should be retried.
func IsJobErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
