package watchdog

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
	"github.com/openpai/pai-telemetry/internal/observability"
)

// ObjectsCollector lists pods and nodes every tick and derives the pod,
// container, node and virtual-cluster families from them. A failed list
// leaves the families that depend on it out of the tick.
type ObjectsCollector struct {
	*collector.Periodic

	api      API
	quota    map[VCResource]float64
	reporter *errors.Reporter
	metrics  *observability.Metrics
}

// NewObjectsCollector creates the pod/node collector. quota may be nil when
// no scheduler config is available, in which case VC families only carry
// usage.
func NewObjectsCollector(api API, quota map[VCResource]float64, interval time.Duration, reporter *errors.Reporter, m *observability.Metrics, opts ...collector.PeriodicOption) *ObjectsCollector {
	c := &ObjectsCollector{api: api, quota: quota, reporter: reporter, metrics: m}
	opts = append([]collector.PeriodicOption{collector.WithReporter(reporter), collector.WithMetrics(m)}, opts...)
	c.Periodic = collector.NewPeriodic("k8s-objects", interval, c.collect, opts...)
	return c
}

func (c *ObjectsCollector) collect(ctx context.Context) (metric.Batch, error) {
	var batch metric.Batch

	pods, podsErr := timed(c.listPodsLatency(), func() ([]corev1.Pod, error) { return c.api.ListPods(ctx) })
	if podsErr != nil {
		c.reporter.Report(asAPIError("pods", podsErr))
	} else {
		batch = append(batch, PodFamilies(pods)...)
		batch = append(batch, VCFamilies(c.quota, ComputeUsage(pods, c.reporter))...)
	}

	nodes, err := timed(c.listNodesLatency(), func() ([]corev1.Node, error) { return c.api.ListNodes(ctx) })
	if err != nil {
		c.reporter.Report(asAPIError("nodes", err))
	} else if podsErr == nil {
		batch = append(batch, NodeFamilies(nodes, pods)...)
	} else {
		// GPU availability needs pods; keep node conditions only.
		nodeBatch := NodeFamilies(nodes, nil)
		if f, ok := nodeBatch.Find("pai_node_count"); ok {
			batch = append(batch, f)
		}
	}

	return batch, nil
}

func (c *ObjectsCollector) listPodsLatency() prometheus.Observer {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.APIListPodsLatency
}

func (c *ObjectsCollector) listNodesLatency() prometheus.Observer {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.APIListNodesLatency
}

func timed[T any](obs prometheus.Observer, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	if obs != nil {
		obs.Observe(time.Since(start).Seconds())
	}
	return v, err
}

func asAPIError(component string, err error) error {
	var ce *errors.CollectError
	if stderrors.As(err, &ce) {
		return err
	}
	return errors.New(errors.KindAPI, component, err)
}

// HealthCollector probes the API server and etcd health endpoints.
type HealthCollector struct {
	*collector.Periodic

	api      API
	reporter *errors.Reporter
	metrics  *observability.Metrics
}

// NewHealthCollector creates the component health collector.
func NewHealthCollector(api API, interval time.Duration, reporter *errors.Reporter, m *observability.Metrics, opts ...collector.PeriodicOption) *HealthCollector {
	c := &HealthCollector{api: api, reporter: reporter, metrics: m}
	opts = append([]collector.PeriodicOption{collector.WithReporter(reporter), collector.WithMetrics(m)}, opts...)
	c.Periodic = collector.NewPeriodic("k8s-health", interval, c.collect, opts...)
	return c
}

func (c *HealthCollector) collect(ctx context.Context) (metric.Batch, error) {
	apiCount := metric.NewGauge("k8s_api_server_count", "1 labelled with the outcome of the last API server healthz probe.")
	etcdCount := metric.NewGauge("k8s_etcd_count", "1 labelled with the outcome of the last etcd healthz probe.")

	var apiObs, etcdObs prometheus.Observer
	if c.metrics != nil {
		apiObs, etcdObs = c.metrics.APIHealthzLatency, c.metrics.EtcdHealthzLatency
	}
	apiCount.Set(map[string]string{"error": c.probe(ctx, APIHealthzPath, apiObs)}, 1)
	etcdCount.Set(map[string]string{"error": c.probe(ctx, EtcdHealthzPath, etcdObs)}, 1)

	return metric.Build(apiCount, etcdCount), nil
}

func (c *HealthCollector) probe(ctx context.Context, path string, obs prometheus.Observer) string {
	_, err := timed(obs, func() (struct{}, error) { return struct{}{}, c.api.Healthz(ctx, path) })
	if err == nil {
		return "ok"
	}
	c.reporter.ReportKind(errors.KindProbe, path, err)
	return probeClass(err)
}

// probeClass maps a probe failure to the value of the "error" label.
func probeClass(err error) string {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return "timeout"
	case isStatusError(err):
		return "status"
	default:
		return "connection"
	}
}

func isStatusError(err error) bool {
	var se apierrors.APIStatus
	return stderrors.As(err, &se)
}
