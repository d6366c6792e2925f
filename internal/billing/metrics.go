package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the billing ledgers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	documents   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	payments    *prometheus.CounterVec
	contention  *prometheus.CounterVec
}

// NewMetrics registers the billing collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	documents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_documents_numbered_total",
		Help: "Document numbers allocated, by document kind.",
	}, []string{"kind"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_status_transitions_total",
		Help: "Status transitions applied to quotes and invoices.",
	}, []string{"entity", "from", "to"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_payments_total",
		Help: "Payments recorded or deleted, by method and action.",
	}, []string{"method", "action"})
	contention := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_numbering_contention_total",
		Help: "Transactions aborted by numbering contention, by operation.",
	}, []string{"operation"})
	registerer.MustRegister(documents, transitions, payments, contention)
	return &Metrics{documents: documents, transitions: transitions, payments: payments, contention: contention}
}

func (m *Metrics) numbered(kind string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(kind).Inc()
}

func (m *Metrics) transition(entity, from, to string) {
	m.transitionN(entity, from, to, 1)
}

func (m *Metrics) transitionN(entity, from, to string, n int64) {
	if m == nil || from == to || n <= 0 {
		return
	}
	m.transitions.WithLabelValues(entity, from, to).Add(float64(n))
}

func (m *Metrics) payment(method PaymentMethod, action string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(string(method), action).Inc()
}

func (m *Metrics) contended(operation string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(operation).Inc()
}
