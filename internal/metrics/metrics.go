// Package metrics exposes the engine's Prometheus counters. A nil *Metrics is
// valid and records nothing, so components can be built without it in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "raffle"

type Metrics struct {
	registry *prometheus.Registry

	events            *prometheus.CounterVec
	integrityFaults   prometheus.Counter
	settlements       *prometheus.CounterVec
	creditsIssued     *prometheus.CounterVec
	creditsExpired    prometheus.Counter
	randomness        *prometheus.CounterVec
	ledgerSubmissions *prometheus.CounterVec
	ledgerTxOutcomes  *prometheus.CounterVec
	cursor            prometheus.Gauge
}

// New builds a Metrics on its own registry, with the Go runtime and process
// collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Ledger events seen by ingestion, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		integrityFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_faults_total",
			Help:      "Data-integrity faults that halted a raffle.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Raffle settlements applied, by terminal status.",
		}, []string{"status"}),
		creditsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_issued_amount_total",
			Help:      "Credit value issued, by source.",
		}, []string{"source"}),
		creditsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_expired_total",
			Help:      "Credit entries expired into redemption offers.",
		}),
		randomness: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "randomness_requests_total",
			Help:      "Randomness request submissions, by result.",
		}, []string{"result"}),
		ledgerSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_submissions_total",
			Help:      "Transactions submitted to the ledger, by operation and result.",
		}, []string{"op", "result"}),
		ledgerTxOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_tx_outcomes_total",
			Help:      "Mined ledger transactions, by operation and receipt status.",
		}, []string{"op", "status"}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_cursor_block",
			Help:      "Last ledger block fully applied by ingestion.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.integrityFaults,
		m.settlements,
		m.creditsIssued,
		m.creditsExpired,
		m.randomness,
		m.ledgerSubmissions,
		m.ledgerTxOutcomes,
		m.cursor,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Event(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IntegrityFault() {
	if m == nil {
		return
	}
	m.integrityFaults.Inc()
}

func (m *Metrics) Settlement(status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status).Inc()
}

func (m *Metrics) CreditsIssued(source string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsIssued.WithLabelValues(source).Add(float64(amount))
}

func (m *Metrics) CreditsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsExpired.Add(float64(n))
}

func (m *Metrics) Randomness(result string) {
	if m == nil {
		return
	}
	m.randomness.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerSubmission(op, result string) {
	if m == nil {
		return
	}
	m.ledgerSubmissions.WithLabelValues(op, result).Inc()
}

func (m *Metrics) LedgerTx(op, status string) {
	if m == nil {
		return
	}
	m.ledgerTxOutcomes.WithLabelValues(op, status).Inc()
}

func (m *Metrics) Cursor(block uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(block))
}
