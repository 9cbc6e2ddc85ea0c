package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide Prometheus registry and the self-monitoring
// metrics. It is constructed once per process and every collector is
// registered on it exactly once.
type Metrics struct {
	Registry *prometheus.Registry

	// Error accounting, labelled by failure kind.
	ErrorsTotal *prometheus.CounterVec

	// Collector loop metrics
	CollectorDuration   *prometheus.HistogramVec
	CollectorIterations *prometheus.CounterVec

	// Cluster API probes (watchdog)
	APIHealthzLatency   prometheus.Histogram
	EtcdHealthzLatency  prometheus.Histogram
	APIListPodsLatency  prometheus.Histogram
	APIListNodesLatency prometheus.Histogram

	// Textfile writes
	TextfileWrites *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	latencyBuckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	m := &Metrics{
		Registry: reg,

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "process_error_log_total",
			Help: "Total number of collection errors by failure kind.",
		}, []string{"type"}),

		CollectorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_iteration_duration_seconds",
			Help:    "Duration of one collector iteration in seconds.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"collector"}),
		CollectorIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_iterations_total",
			Help: "Total number of collector iterations by outcome.",
		}, []string{"collector", "status"}),

		APIHealthzLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k8s_api_healthz_resp_latency_seconds",
			Help:    "Response latency of the API server healthz endpoint in seconds.",
			Buckets: latencyBuckets,
		}),
		EtcdHealthzLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k8s_etcd_resp_latency_seconds",
			Help:    "Response latency of the etcd healthz endpoint in seconds.",
			Buckets: latencyBuckets,
		}),
		APIListPodsLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k8s_api_list_pods_latency_seconds",
			Help:    "Latency of listing all pods in seconds.",
			Buckets: latencyBuckets,
		}),
		APIListNodesLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k8s_api_list_nodes_latency_seconds",
			Help:    "Latency of listing all nodes in seconds.",
			Buckets: latencyBuckets,
		}),

		TextfileWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "textfile_write_total",
			Help: "Total number of textfile collector writes by file and outcome.",
		}, []string{"file", "status"}),
	}

	reg.MustRegister(
		m.ErrorsTotal,
		m.CollectorDuration,
		m.CollectorIterations,
		m.TextfileWrites,
	)

	return m
}

// RegisterProbeMetrics registers the cluster API probe histograms. Only the
// watchdog exposes them.
func (m *Metrics) RegisterProbeMetrics() {
	m.Registry.MustRegister(
		m.APIHealthzLatency,
		m.EtcdHealthzLatency,
		m.APIListPodsLatency,
		m.APIListNodesLatency,
	)
}
