// Package metrics holds the Prometheus collectors of the ingestion and delivery pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is private to this process so tests and embedders don't collide with the default one.
var Registry = prometheus.NewRegistry()

var (
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmon",
		Name:      "events_ingested_total",
		Help:      "Ingestion attempts by result (accepted or the rejection reason)",
	}, []string{"result"})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmon",
		Name:      "deliveries_total",
		Help:      "Delivery attempts by outcome (delivered, retry, failed, skipped)",
	}, []string{"outcome"})

	DeliveryAttemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procmon",
		Name:      "delivery_attempt_duration_seconds",
		Help:      "Time spent in a single outbound delivery attempt",
		Buckets:   prometheus.DefBuckets,
	})

	QuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmon",
		Name:      "quota_rejections_total",
		Help:      "Reservations rejected by the quota ledger, by breached limit",
	}, []string{"limit"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procmon",
		Name:      "delivery_queue_depth",
		Help:      "Jobs currently in the delivery queue lists",
	}, []string{"queue"})
)

func init() {
	Registry.MustRegister(
		EventsIngested,
		Deliveries,
		DeliveryAttemptDuration,
		QuotaRejections,
		QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
