// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oaigate_requests_total",
			Help: "Total API requests by family and outcome",
		},
		[]string{"family", "outcome"},
	)

	requestsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oaigate_requests_inflight",
			Help: "Requests currently holding a concurrency slot",
		},
	)

	workersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oaigate_workers_connected",
			Help: "Workers currently registered with the master",
		},
	)

	remoteModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oaigate_remote_models",
			Help: "Models owned by remote workers",
		},
	)

	forwardsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oaigate_forwards_total",
			Help: "Inference requests forwarded to workers",
		},
	)

	forwardsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oaigate_forwards_failed_total",
			Help: "Forwarded requests that failed in transport or expired",
		},
	)
)

// Register registers the gateway collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(requestsTotal, requestsInflight, workersConnected, remoteModels, forwardsTotal, forwardsFailedTotal)
}

// RecordRequest counts a finished request for a family with its outcome.
func RecordRequest(family, outcome string) {
	requestsTotal.WithLabelValues(family, outcome).Inc()
}

// RequestStart marks a request as holding a concurrency slot.
func RequestStart() { requestsInflight.Inc() }

// RequestEnd releases the in-flight mark.
func RequestEnd() { requestsInflight.Dec() }

// SetWorkersConnected records the current worker count.
func SetWorkersConnected(n int) { workersConnected.Set(float64(n)) }

// SetRemoteModels records the current remote model count.
func SetRemoteModels(n int) { remoteModels.Set(float64(n)) }

// RecordForward counts a dispatched forward.
func RecordForward() { forwardsTotal.Inc() }

// RecordForwardFailure counts a forward that failed or expired.
func RecordForwardFailure() { forwardsFailedTotal.Inc() }
