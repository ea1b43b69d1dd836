package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics counts the billing-critical events the admin dashboards
// alert on. Overage and reconciliation counters going nonzero is the
// signal that manual follow-up is needed.
type BillingMetrics struct {
	MeteredCalls    *prometheus.CounterVec
	CostTotal       *prometheus.CounterVec
	DebitsRejected  *prometheus.CounterVec
	OverageEvents   *prometheus.CounterVec
	ReconcileAlerts prometheus.Counter
	HoldsReleased   prometheus.Counter
	ProviderLatency *prometheus.HistogramVec
}

func NewBillingMetrics(reg *prometheus.Registry) *BillingMetrics {
	m := &BillingMetrics{
		MeteredCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterflow",
			Name:      "metered_calls_total",
			Help:      "Metered service calls by service key and outcome.",
		}, []string{"service_key", "outcome"}),
		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterflow",
			Name:      "billed_cost_cny_total",
			Help:      "Total billed cost in CNY (4dp fixed point, expressed as yuan).",
		}, []string{"service_key"}),
		DebitsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterflow",
			Name:      "debits_rejected_total",
			Help:      "Debit attempts rejected for insufficient balance.",
		}, []string{"stage"}),
		OverageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterflow",
			Name:      "overage_events_total",
			Help:      "Settlements that drove a workspace balance negative.",
		}, []string{"service_key"}),
		ReconcileAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterflow",
			Name:      "reconciliation_alerts_total",
			Help:      "Settlements that exhausted retries and need admin follow-up.",
		}),
		HoldsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterflow",
			Name:      "stale_holds_released_total",
			Help:      "Estimate holds released by the recovery sweep.",
		}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meterflow",
			Name:      "provider_latency_seconds",
			Help:      "External provider call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.MeteredCalls,
		m.CostTotal,
		m.DebitsRejected,
		m.OverageEvents,
		m.ReconcileAlerts,
		m.HoldsReleased,
		m.ProviderLatency,
	)
	return m
}
