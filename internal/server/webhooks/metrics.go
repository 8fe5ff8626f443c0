package webhooks

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Events   *prometheus.CounterVec
	Rejected *prometheus.CounterVec
}

// NewMetrics builds the intake counters and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsule_webhook_events_total",
			Help: "Verified webhook events by provider and outcome",
		}, []string{"provider", "outcome"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsule_webhook_rejected_total",
			Help: "Webhook requests rejected before reaching the reconciler",
		}, []string{"provider", "reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Rejected)
	}
	return m
}
