package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Ring metrics
	RingNodes         prometheus.Gauge
	RingVirtualNodes  prometheus.Gauge
	RingLookups       *prometheus.CounterVec
	MembershipChanges *prometheus.CounterVec

	// Saga metrics
	SagasTotal         *prometheus.CounterVec
	SagaDuration       *prometheus.HistogramVec
	StepsTotal         *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	CompensationsTotal *prometheus.CounterVec
}

// New creates the metrics and registers them on reg. A nil reg registers
// on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RingNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ringsaga_ring_nodes",
				Help: "Number of real nodes on the hash ring",
			},
		),

		RingVirtualNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ringsaga_ring_virtual_nodes",
				Help: "Number of virtual nodes on the hash ring",
			},
		),

		RingLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringsaga_ring_lookups_total",
				Help: "Total number of key lookups",
			},
			[]string{"result"},
		),

		MembershipChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringsaga_membership_changes_total",
				Help: "Total number of membership changes applied to the ring",
			},
			[]string{"operation", "result"},
		),

		SagasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringsaga_sagas_total",
				Help: "Total number of sagas by terminal status",
			},
			[]string{"status"},
		),

		SagaDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringsaga_saga_duration_seconds",
				Help:    "Duration of saga executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringsaga_steps_total",
				Help: "Total number of forward step executions",
			},
			[]string{"step", "outcome"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringsaga_step_duration_seconds",
				Help:    "Duration of forward step executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),

		CompensationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringsaga_compensations_total",
				Help: "Total number of compensation attempts",
			},
			[]string{"step", "outcome"},
		),
	}
}

// ObserveRing sets the ring size gauges.
func (m *Metrics) ObserveRing(nodes, virtualNodes int) {
	if m == nil {
		return
	}
	m.RingNodes.Set(float64(nodes))
	m.RingVirtualNodes.Set(float64(virtualNodes))
}

// RecordLookup records a key lookup outcome ("hit", "empty" or "unavailable").
func (m *Metrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.RingLookups.WithLabelValues(result).Inc()
}

// RecordMembershipChange records a join or leave.
func (m *Metrics) RecordMembershipChange(operation, result string) {
	if m == nil {
		return
	}
	m.MembershipChanges.WithLabelValues(operation, result).Inc()
}

// RecordSaga records a finished saga.
func (m *Metrics) RecordSaga(status string, seconds float64) {
	if m == nil {
		return
	}
	m.SagasTotal.WithLabelValues(status).Inc()
	m.SagaDuration.WithLabelValues(status).Observe(seconds)
}

// RecordStep records a forward step execution.
func (m *Metrics) RecordStep(step, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(step, outcome).Inc()
	m.StepDuration.WithLabelValues(step).Observe(seconds)
}

// RecordCompensation records a compensation attempt.
func (m *Metrics) RecordCompensation(step, outcome string) {
	if m == nil {
		return
	}
	m.CompensationsTotal.WithLabelValues(step, outcome).Inc()
}
