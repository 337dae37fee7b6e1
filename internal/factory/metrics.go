package factory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics exposes Prometheus collectors for the batch workflow. A nil *Metrics is a no-op.
type Metrics struct {
	lotFallback    prometheus.Counter
	allocations    prometheus.Counter
	allocatedKg    prometheus.Counter
	completions    *prometheus.CounterVec
	gateRejections *prometheus.CounterVec
	duplicateLots  prometheus.Gauge
}

// NewMetrics registers the workflow collectors. When registerer is nil the
// default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		lotFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agritrace_factory_lot_fallback_total",
			Help: "Lot numbers issued from the timestamp fallback after a failed output scan.",
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agritrace_factory_allocations_total",
			Help: "Committed processing-session weight allocations.",
		}),
		allocatedKg: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agritrace_factory_allocated_kilograms_total",
			Help: "Kilograms of raw material allocated to processing sessions.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agritrace_factory_batches_completed_total",
			Help: "Completed batches partitioned by whether leftover material was abandoned.",
		}, []string{"leftover"}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agritrace_factory_gate_rejections_total",
			Help: "Stage transitions blocked by an unmet requirement.",
		}, []string{"stage", "requirement"}),
		duplicateLots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agritrace_factory_duplicate_lots",
			Help: "Lot numbers currently held by more than one output record.",
		}),
	}
	registerer.MustRegister(m.lotFallback, m.allocations, m.allocatedKg, m.completions, m.gateRejections, m.duplicateLots)
	return m
}

// LotFallback counts a fallback lot number.
func (m *Metrics) LotFallback() {
	if m == nil {
		return
	}
	m.lotFallback.Inc()
}

// Allocated records a committed allocation.
func (m *Metrics) Allocated(weight decimal.Decimal) {
	if m == nil {
		return
	}
	m.allocations.Inc()
	kg, _ := weight.Float64()
	m.allocatedKg.Add(kg)
}

// Completed records a batch completion.
func (m *Metrics) Completed(leftover bool) {
	if m == nil {
		return
	}
	label := "false"
	if leftover {
		label = "true"
	}
	m.completions.WithLabelValues(label).Inc()
}

// GateRejected records a blocked transition.
func (m *Metrics) GateRejected(gerr *GateError) {
	if m == nil || gerr == nil {
		return
	}
	m.gateRejections.WithLabelValues(gerr.Stage.String(), gerr.Requirement).Inc()
}

// SetDuplicateLots publishes the latest lot audit result.
func (m *Metrics) SetDuplicateLots(n int) {
	if m == nil {
		return
	}
	m.duplicateLots.Set(float64(n))
}
