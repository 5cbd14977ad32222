// Package observability owns the Prometheus collectors shared by the engine.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "farmlink"

type Metrics struct {
	ledgerWrites       *prometheus.CounterVec
	operations         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	orderTransitions   *prometheus.CounterVec
	paymentCalls       *prometheus.CounterVec
	activeReservations prometheus.Gauge
	reconciliation     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ledgerWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_writes_total",
			Help:      "Ledger batch writes by outcome.",
		}, []string{"outcome"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by component, operation and outcome.",
		}, []string{"component", "operation", "outcome"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "operation"}),
		orderTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions.",
		}, []string{"from", "to"}),
		paymentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_provider_calls_total",
			Help:      "Payment provider calls by call and outcome.",
		}, []string{"call", "outcome"}),
		activeReservations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_reservations",
			Help:      "Reservations currently holding stock.",
		}),
		reconciliation: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_flags_total",
			Help:      "Orders flagged for operator reconciliation.",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) LedgerWrite(err error) {
	if m == nil {
		return
	}
	m.ledgerWrites.WithLabelValues(outcome(err)).Inc()
}

// Operation records the outcome and latency of a component operation started at start.
func (m *Metrics) Operation(component, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(component, operation, outcome(err)).Inc()
	m.operationDuration.WithLabelValues(component, operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) OrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) PaymentCall(call, result string) {
	if m == nil {
		return
	}
	m.paymentCalls.WithLabelValues(call, result).Inc()
}

func (m *Metrics) SetActiveReservations(n int) {
	if m == nil {
		return
	}
	m.activeReservations.Set(float64(n))
}

func (m *Metrics) ReconciliationFlagged() {
	if m == nil {
		return
	}
	m.reconciliation.Inc()
}
