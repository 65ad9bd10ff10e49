// Package metrics exposes simple Prometheus counters for code generation and scanning.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CodeMetrics counts allocator, generator and scanner activity. A nil *CodeMetrics is valid
// and records nothing.
type CodeMetrics struct {
	allocations   *prometheus.CounterVec
	casConflicts  *prometheus.CounterVec
	exhausted     *prometheus.CounterVec
	generated     *prometheus.CounterVec
	genFailures   *prometheus.CounterVec
	scans         *prometheus.CounterVec
	compensations prometheus.Counter
}

// New registers the code metrics on registerer.
func New(registerer prometheus.Registerer, serviceName, environment string) *CodeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if serviceName == "" {
		serviceName = "code-service"
	}
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &CodeMetrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "medcode_sequence_allocations_total",
			Help:        "Sequence values issued by scheme.",
			ConstLabels: constLabels,
		}, []string{"sequence_type"}),
		casConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "medcode_sequence_cas_conflicts_total",
			Help:        "Lost compare-and-swap rounds on sequence counters.",
			ConstLabels: constLabels,
		}, []string{"sequence_type"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "medcode_sequence_exhausted_total",
			Help:        "Allocation attempts rejected because the bucket is exhausted.",
			ConstLabels: constLabels,
		}, []string{"sequence_type"}),
		generated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "medcode_codes_generated_total",
			Help:        "Codes minted by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		genFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "medcode_generation_failures_total",
			Help:        "Units that could not be minted, by error code.",
			ConstLabels: constLabels,
		}, []string{"kind", "reason"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "medcode_scans_total",
			Help:        "Scan attempts by purpose and outcome.",
			ConstLabels: constLabels,
		}, []string{"purpose", "outcome"}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "medcode_stock_compensations_total",
			Help:        "Compensating stock adjustments issued after a failed scan commit.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.allocations,
		m.casConflicts,
		m.exhausted,
		m.generated,
		m.genFailures,
		m.scans,
		m.compensations,
	)

	return m
}

// SequenceAllocated counts one value handed out by the counter of sequenceType.
func (m *CodeMetrics) SequenceAllocated(sequenceType string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(sequenceType).Inc()
}

// SequenceConflict counts a lost compare-and-swap on the counter of sequenceType.
func (m *CodeMetrics) SequenceConflict(sequenceType string) {
	if m == nil {
		return
	}
	m.casConflicts.WithLabelValues(sequenceType).Inc()
}

// SequenceExhausted counts a reservation refused because the counter reached its maximum.
func (m *CodeMetrics) SequenceExhausted(sequenceType string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(sequenceType).Inc()
}

// CodesGenerated adds n minted codes; kind is "individual" or "bulk".
func (m *CodeMetrics) CodesGenerated(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.generated.WithLabelValues(kind).Add(float64(n))
}

// GenerationFailed counts one unit that could not be minted, labelled by error code.
func (m *CodeMetrics) GenerationFailed(kind, reason string) {
	if m == nil {
		return
	}
	m.genFailures.WithLabelValues(kind, reason).Inc()
}

// Scanned counts a logged scan by purpose and result.
func (m *CodeMetrics) Scanned(purpose, outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(purpose, outcome).Inc()
}

// StockCompensated counts a stock adjustment reversed after its scan failed to commit.
func (m *CodeMetrics) StockCompensated() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}
