package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ReconcilerPayment      = "payment"
	ReconcilerConnect      = "connect"
	ReconcilerSubscription = "subscription"
	ReconcilerSweeper      = "sweeper"
)

const (
	OutcomeApplied      = "applied"
	OutcomeNoop         = "noop"
	OutcomeUncorrelated = "uncorrelated"
	OutcomeFailed       = "failed"
)

// ReconcileMetrics records reconciler outcomes on the Prometheus registry served at /metrics.
type ReconcileMetrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	reconcileOnce    sync.Once
	reconcileMetrics *ReconcileMetrics
)

// Reconcile returns the process-wide reconcile metrics registered on the default registerer.
func Reconcile() *ReconcileMetrics {
	reconcileOnce.Do(func() {
		m, err := NewReconcileMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			panic(err)
		}
		reconcileMetrics = m
	})
	return reconcileMetrics
}

func NewReconcileMetrics(reg prometheus.Registerer) (*ReconcileMetrics, error) {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tallybill_reconcile_total",
		Help: "Reconciler invocations by outcome.",
	}, []string{"reconciler", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tallybill_reconcile_duration_seconds",
		Help:    "Reconciler latency including store round trips.",
		Buckets: prometheus.DefBuckets,
	}, []string{"reconciler"})

	if reg != nil {
		var err error
		if outcomes, err = registerCounterVec(reg, outcomes); err != nil {
			return nil, err
		}
		if duration, err = registerHistogramVec(reg, duration); err != nil {
			return nil, err
		}
	}

	return &ReconcileMetrics{outcomes: outcomes, duration: duration}, nil
}

// Observe records one reconciler run.
func (m *ReconcileMetrics) Observe(reconciler, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(reconciler, outcome).Inc()
	m.duration.WithLabelValues(reconciler).Observe(time.Since(started).Seconds())
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return h, nil
}
