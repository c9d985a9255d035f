package httpconn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Body strategies, used as the "strategy" label.
const (
	strategyEmpty    = "empty"
	strategyFixed    = "fixed"
	strategyStream   = "stream"
	strategyResource = "resource"
)

var (
	requestsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpconn_requests_accepted_total",
			Help: "Total number of requests accepted from transports",
		},
	)

	responsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpconn_responses_total",
			Help: "Total number of responses by body strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	responseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpconn_response_duration_seconds",
			Help:    "Time spent writing a response, from resolve to shutdown",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	upgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpconn_upgrades_total",
			Help: "Total number of completed connection upgrades",
		},
		[]string{"kind"},
	)

	managedStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpconn_managed_streams",
			Help: "Current number of stream resources owned by sessions",
		},
	)

	connectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpconn_connections_open",
			Help: "Current number of open sessions",
		},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
