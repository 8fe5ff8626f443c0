package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Outcomes recorded per processed delivery.
const (
	OutcomeSent     = "sent"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeLostRace = "lost_race"
	OutcomeError    = "error"
)

type Metrics struct {
	Deliveries    *prometheus.CounterVec
	SendDuration  *prometheus.HistogramVec
	Ticks         prometheus.Counter
	StaleReleased prometheus.Counter
	Due           prometheus.Gauge
}

// NewMetrics creates the dispatcher metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capsule_deliveries_total",
				Help: "Processed deliveries by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capsule_provider_send_duration_seconds",
				Help:    "Duration of provider send calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		Ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "capsule_dispatch_ticks_total",
				Help: "Total number of dispatcher ticks",
			},
		),
		StaleReleased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "capsule_stale_claims_released_total",
				Help: "Processing deliveries returned to scheduled after a stale claim",
			},
		),
		Due: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "capsule_deliveries_due",
				Help: "Deliveries picked up by the last tick",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Deliveries, m.SendDuration, m.Ticks, m.StaleReleased, m.Due)
	}
	return m
}
