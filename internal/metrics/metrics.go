package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. Each instance owns its
// registry so several can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Import metrics
	ImportsTotal    *prometheus.CounterVec
	ImportDuration  prometheus.Histogram
	DomainsAdded    prometheus.Counter
	DomainsRejected *prometheus.CounterVec
	FetchFailures   prometheus.Counter

	// Interception metrics
	Decisions *prometheus.CounterVec

	// HTTP API metrics
	RequestsTotal *prometheus.CounterVec
	WSConnections prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ImportsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshield_imports_total",
				Help: "Finished list imports by terminal state",
			},
			[]string{"state"},
		),
		ImportDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webshield_import_duration_seconds",
				Help:    "Wall time of list imports",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
		),
		DomainsAdded: f.NewCounter(
			prometheus.CounterOpts{
				Name: "webshield_domains_added_total",
				Help: "Domains added to the block list by imports",
			},
		),
		DomainsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshield_domains_rejected_total",
				Help: "List candidates refused by the normalizer",
			},
			[]string{"reason"},
		),
		FetchFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "webshield_fetch_failures_total",
				Help: "List downloads that failed after all attempts",
			},
		),

		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshield_intercept_decisions_total",
				Help: "Request interception decisions",
			},
			[]string{"decision"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshield_http_requests_total",
				Help: "HTTP API requests",
			},
			[]string{"method", "route", "status"},
		),
		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "webshield_ws_connections",
				Help: "Open import event streams",
			},
		),
	}
}

// TrackStoreSize exports the size of a store kind as a gauge read at scrape time.
func (m *Metrics) TrackStoreSize(kind string, size func() int) {
	promauto.With(m.Registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "webshield_store_entries",
			Help:        "Entries per store kind",
			ConstLabels: prometheus.Labels{"kind": kind},
		},
		func() float64 { return float64(size()) },
	)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
