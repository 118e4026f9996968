package offlinegw

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics live on a registry owned by one gateway so several can coexist in a
// process (tests).
type metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	responseBytes  prometheus.Histogram
	lifecycleState prometheus.Gauge
	purged         prometheus.Counter
	events         *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinegw_requests_total",
				Help: "Intercepted requests by classification and response source",
			},
			[]string{"class", "source"},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinegw_store_errors_total",
				Help: "Cache store failures by operation",
			},
			[]string{"op"},
		),
		responseBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "offlinegw_response_bytes",
			Help:    "Size of response bodies served through a strategy",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10), // 256b to ~64mb
		}),
		lifecycleState: f.NewGauge(prometheus.GaugeOpts{
			Name: "offlinegw_lifecycle_state",
			Help: "Lifecycle state: 0 new, 1 installing, 2 installed, 3 activating, 4 active, -1 failed",
		}),
		purged: f.NewCounter(prometheus.CounterOpts{
			Name: "offlinegw_generations_purged_total",
			Help: "Stale cache generations deleted on activation",
		}),
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinegw_events_total",
				Help: "Host events dispatched by kind and result",
			},
			[]string{"kind", "result"},
		),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
