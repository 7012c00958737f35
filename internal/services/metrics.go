package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the alerting pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ingested     *prometheus.CounterVec
	alertsFired  *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	tickDuration prometheus.Histogram
	tickItems    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costsentry",
			Name:      "usage_ingested_total",
			Help:      "Usage readings written, by result (created or merged).",
		}, []string{"result"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costsentry",
			Name:      "alerts_fired_total",
			Help:      "Alert firings by tier.",
		}, []string{"tier"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costsentry",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costsentry",
			Name:      "deliveries_rate_limited_total",
			Help:      "Deliveries deferred by the per-user rate limiter.",
		}, []string{"channel"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "costsentry",
			Name:      "dispatch_tick_duration_seconds",
			Help:      "Wall time of one dispatch tick.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 240},
		}),
		tickItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "costsentry",
			Name:      "dispatch_tick_items",
			Help:      "Queue items fetched per dispatch tick.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
	}
	reg.MustRegister(m.ingested, m.alertsFired, m.deliveries, m.rateLimited, m.tickDuration, m.tickItems)
	return m
}

func (m *Metrics) observeIngest(wasNew bool) {
	if m == nil {
		return
	}
	result := "merged"
	if wasNew {
		result = "created"
	}
	m.ingested.WithLabelValues(result).Inc()
}

func (m *Metrics) observeAlert(tier string) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(tier).Inc()
}

func (m *Metrics) observeDelivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) observeRateLimited(channel string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeTick(took time.Duration, fetched int) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(took.Seconds())
	m.tickItems.Observe(float64(fetched))
}
