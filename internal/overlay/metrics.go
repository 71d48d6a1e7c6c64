package overlay

import "github.com/prometheus/client_golang/prometheus"

// overlayMetrics are per-Overlay prometheus collectors for the transport
// concerns named in the DOMAIN STACK (gossip fan-out volume, req-res
// latency/failure counts). They are registered lazily against the default
// registry the first time an Overlay is constructed.
type overlayMetrics struct {
	published        *prometheus.CounterVec
	requestsReceived prometheus.Counter
	requestFailures  prometheus.Counter
	requestLatency   prometheus.Histogram
}

func newOverlayMetrics() *overlayMetrics {
	m := &overlayMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "narwhal_overlay_published_total",
			Help: "Messages published per gossip topic.",
		}, []string{"topic"}),
		requestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narwhal_overlay_requests_received_total",
			Help: "Point-to-point requests received and ACKed.",
		}),
		requestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narwhal_overlay_request_failures_total",
			Help: "Point-to-point requests that failed before a response was received.",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "narwhal_overlay_request_latency_seconds",
			Help:    "Round-trip latency of point-to-point requests.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	// Registered best-effort: re-constructing an Overlay in a test process
	// would otherwise panic on duplicate registration.
	for _, c := range []prometheus.Collector{m.published, m.requestsReceived, m.requestFailures, m.requestLatency} {
		_ = prometheus.DefaultRegisterer.Register(c)
	}
	return m
}
