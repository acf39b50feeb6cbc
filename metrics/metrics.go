package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for federation traffic
var (
	InboxActivitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blogpub_inbox_activities_total",
			Help: "Inbound activities by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	SignatureFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blogpub_signature_failures_total",
			Help: "Inbound requests rejected by signature verification",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blogpub_deliveries_total",
			Help: "Outbound delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blogpub_delivery_duration_seconds",
			Help:    "Duration of a single outbound delivery",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryCyclePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blogpub_delivery_cycle_pending",
			Help: "Pending deliveries selected by the last delivery cycle",
		},
	)
)

var registerOnce sync.Once

// Register registers all metrics with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(InboxActivitiesTotal)
		prometheus.MustRegister(SignatureFailuresTotal)
		prometheus.MustRegister(DeliveriesTotal)
		prometheus.MustRegister(DeliveryDuration)
		prometheus.MustRegister(DeliveryCyclePending)
	})
}
