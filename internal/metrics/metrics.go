// Package metrics holds the Prometheus collectors shared by the relay
// components and the HTTP handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gochat"

// Registry is the collector registry served at /metrics.
var Registry = prometheus.NewRegistry()

var (
	// Connections is the number of sessions currently registered.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Number of open WebSocket sessions",
	})

	// Closes counts closed sessions by close code.
	Closes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_closes_total",
		Help:      "Closed sessions by close code",
	}, []string{"code"})

	// AuthFailures counts rejected handshakes.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Connections refused for invalid credentials",
	})

	// Frames counts inbound client frames by type.
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Client frames received by type",
	}, []string{"type"})

	// Publishes counts broker publishes by result.
	Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publishes_total",
		Help:      "Broker publishes by result",
	}, []string{"result"})

	// PublishRetries counts append attempts after the first.
	PublishRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_retries_total",
		Help:      "Broker append retries",
	})

	// PublishLatency observes publish duration including retries.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_latency_seconds",
		Help:      "Broker publish latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
	})

	// Deliveries counts envelopes enqueued to local connections.
	Deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Envelopes enqueued to local connections",
	})

	// Drops counts deliveries that could not be enqueued, by reason.
	Drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_drops_total",
		Help:      "Dropped deliveries by reason",
	}, []string{"reason"})

	// Duplicates counts deliveries suppressed by the dedup window.
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_suppressed_total",
		Help:      "Deliveries suppressed as already seen by the connection",
	})

	// SlowConsumers counts sessions evicted for backpressure.
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_consumer_disconnects_total",
		Help:      "Sessions closed because their outbound queue stayed full",
	})

	// ConsumerRestarts counts broker consumer loop restarts.
	ConsumerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_restarts_total",
		Help:      "Broker consumer restarts after a read or commit failure",
	})

	// CursorCommits counts delivery cursor commits.
	CursorCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cursor_commits_total",
		Help:      "Delivery cursor commits",
	})

	// SequenceGaps counts jumps observed in a conversation log.
	SequenceGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_gaps_total",
		Help:      "Gaps between consecutive records read from the broker",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Connections,
		Closes,
		AuthFailures,
		Frames,
		Publishes,
		PublishRetries,
		PublishLatency,
		Deliveries,
		Drops,
		Duplicates,
		SlowConsumers,
		ConsumerRestarts,
		CursorCommits,
		SequenceGaps,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
