package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/folio/internal/apperr"
	"gorm.io/gorm"
)

const (
	ApplyReasonDeadlineExceeded     = "deadline_exceeded"
	ApplyReasonDBLockTimeout        = "db_lock_timeout"
	ApplyReasonSerializationFailure = "serialization_failure"
	ApplyReasonUniqueViolation      = "unique_violation"
	ApplyReasonConflict             = "conflict"
	ApplyReasonValidation           = "validation"
	ApplyReasonUnknown              = "unknown"
)

// ReconcileMetrics captures the health of webhook application for SLOs.
type ReconcileMetrics struct {
	applyDuration *prometheus.HistogramVec
	applyErrors   *prometheus.CounterVec
	replays       *prometheus.CounterVec
	tabLockWait   prometheus.Observer
	replayCounts  map[string]prometheus.Counter
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconcile returns the singleton reconciliation metrics registry.
func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

// ReconcileWithConfig returns the singleton registry using config labels.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

// ResetReconcileMetricsForTest resets the singleton for tests.
func ResetReconcileMetricsForTest() {
	reconcileMetricsOnce = sync.Once{}
	reconcileMetrics = nil
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "folio"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	applyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "folio_reconcile_apply_duration_seconds",
		Help:        "Time to apply one provider event, lock wait included.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"provider"})
	applyErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "folio_reconcile_apply_errors_total",
		Help:        "Event applications that failed and will be retried by the provider.",
		ConstLabels: constLabels,
	}, []string{"provider", "reason"})
	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "folio_reconcile_replays_total",
		Help:        "Duplicate provider deliveries answered from the idempotency table.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	tabLockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "folio_tab_lock_wait_seconds",
		Help:        "Wait time for the per-tab serialization lock.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(applyDuration, applyErrors, replays, tabLockWait)

	replayCounts := map[string]prometheus.Counter{}
	for _, provider := range []string{"stripe", "adyen", "braintree"} {
		replayCounts[provider] = replays.WithLabelValues(provider)
	}

	return &ReconcileMetrics{
		applyDuration: applyDuration,
		applyErrors:   applyErrors,
		replays:       replays,
		tabLockWait:   tabLockWait,
		replayCounts:  replayCounts,
	}
}

// ObserveApply records the latency of one event application.
func (m *ReconcileMetrics) ObserveApply(provider string, duration time.Duration) {
	if m == nil || m.applyDuration == nil {
		return
	}
	m.applyDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncApplyError counts a failed application with a low-cardinality reason.
func (m *ReconcileMetrics) IncApplyError(provider string, err error) {
	if m == nil || err == nil || m.applyErrors == nil {
		return
	}
	m.applyErrors.WithLabelValues(provider, ClassifyApplyReason(err)).Inc()
}

// IncReplay counts a duplicate delivery.
func (m *ReconcileMetrics) IncReplay(provider string) {
	if m == nil {
		return
	}
	if counter, ok := m.replayCounts[provider]; ok {
		counter.Inc()
		return
	}
	m.replays.WithLabelValues(provider).Inc()
}

// ObserveTabLockWait records how long a caller waited for a tab lock.
func (m *ReconcileMetrics) ObserveTabLockWait(duration time.Duration) {
	if m == nil || m.tabLockWait == nil {
		return
	}
	m.tabLockWait.Observe(duration.Seconds())
}

// ClassifyApplyReason maps apply errors to low-cardinality reasons.
func ClassifyApplyReason(err error) string {
	if err == nil {
		return ApplyReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ApplyReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ApplyReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return ApplyReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return ApplyReasonUniqueViolation
	}
	if errors.Is(err, apperr.ErrConflict) {
		return ApplyReasonConflict
	}
	if errors.Is(err, apperr.ErrValidation) {
		return ApplyReasonValidation
	}
	return ApplyReasonUnknown
}

// IsApplyErrorRetryable reports whether a redelivery could succeed.
func IsApplyErrorRetryable(err error) bool {
	switch ClassifyApplyReason(err) {
	case ApplyReasonDeadlineExceeded, ApplyReasonDBLockTimeout, ApplyReasonSerializationFailure, ApplyReasonConflict:
		return true
	default:
		return false
	}
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
