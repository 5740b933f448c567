package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the backend's Prometheus collectors, bound to their own
// registry so tests can build servers independently.
type Metrics struct {
	registry *prometheus.Registry

	JobsCreated   prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	LinesIngested prometheus.Counter
}

// NewMetrics builds a metrics set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_created_total",
			Help: "Jobs submitted through the API.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
		LinesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_log_lines_ingested_total",
			Help: "Log lines drained from the broker.",
		}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQueueDepths registers a gauge that snapshots pending jobs per queue
// at scrape time.
func (m *Metrics) ObserveQueueDepths(depths func() map[string]int) {
	m.registry.MustRegister(&queueDepthCollector{
		desc: prometheus.NewDesc(
			"dispatch_queue_depth",
			"Jobs waiting in each queue.",
			[]string{"queue"}, nil,
		),
		depths: depths,
	})
}

type queueDepthCollector struct {
	desc   *prometheus.Desc
	depths func() map[string]int
}

func (c *queueDepthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	for queue, n := range c.depths() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), queue)
	}
}
