package meter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	ce "github.com/ineyio/creditengine"
)

// PrometheusMeter exports ledger and job events as Prometheus metrics.
type PrometheusMeter struct {
	reservations   *prometheus.CounterVec
	reservedCredit *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	submitLatency  *prometheus.HistogramVec
	settlements    *prometheus.CounterVec
	refundedCredit *prometheus.CounterVec
}

var _ ce.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the metrics on reg.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	f := promauto.With(reg)
	return &PrometheusMeter{
		reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditengine",
			Name:      "reservations_total",
			Help:      "Reservation attempts by kind and result.",
		}, []string{"kind", "result"}),
		reservedCredit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditengine",
			Name:      "reserved_credits_total",
			Help:      "Credits debited by reservations.",
		}, []string{"kind"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditengine",
			Name:      "submissions_total",
			Help:      "Provider submissions by provider, kind and success.",
		}, []string{"provider", "kind", "success"}),
		submitLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "creditengine",
			Name:      "submit_duration_seconds",
			Help:      "Provider submission latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditengine",
			Name:      "settlements_total",
			Help:      "Processed provider webhooks by kind and disposition.",
		}, []string{"kind", "disposition"}),
		refundedCredit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditengine",
			Name:      "refunded_credits_total",
			Help:      "Credits returned to users, by source.",
		}, []string{"source"}),
	}
}

func (m *PrometheusMeter) OnReserve(e ce.ReserveEvent) {
	result := "reserved"
	if e.Insufficient {
		result = "insufficient"
	}
	m.reservations.WithLabelValues(string(e.Kind), result).Inc()
	if e.Reserved && e.Cost > 0 {
		m.reservedCredit.WithLabelValues(string(e.Kind)).Add(float64(e.Cost))
	}
}

func (m *PrometheusMeter) OnSubmit(e ce.SubmitEvent) {
	m.submissions.WithLabelValues(e.Provider, string(e.Kind), strconv.FormatBool(e.Success)).Inc()
	m.submitLatency.WithLabelValues(e.Provider).Observe(e.Duration.Seconds())
	if e.Refunded > 0 {
		m.refundedCredit.WithLabelValues("submission").Add(float64(e.Refunded))
	}
}

func (m *PrometheusMeter) OnSettle(e ce.SettleEvent) {
	m.settlements.WithLabelValues(string(e.Kind), string(e.Disposition)).Inc()
	if e.Refunded > 0 {
		m.refundedCredit.WithLabelValues("webhook").Add(float64(e.Refunded))
	}
}
