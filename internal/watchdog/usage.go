package watchdog

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv1beta1client "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
)

// MetricsAPI abstracts the metrics-server API for testability.
type MetricsAPI interface {
	ListNodeMetrics(ctx context.Context) ([]metricsv1beta1.NodeMetrics, error)
	ListPodMetrics(ctx context.Context) ([]metricsv1beta1.PodMetrics, error)
}

// metricsAPIClient wraps the real metrics client to implement MetricsAPI.
type metricsAPIClient struct {
	client metricsv1beta1client.MetricsV1beta1Interface
}

// NewMetricsAPI wraps a metrics-server client.
func NewMetricsAPI(client metricsv1beta1client.MetricsV1beta1Interface) MetricsAPI {
	return &metricsAPIClient{client: client}
}

func (c *metricsAPIClient) ListNodeMetrics(ctx context.Context) ([]metricsv1beta1.NodeMetrics, error) {
	list, err := c.client.NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *metricsAPIClient) ListPodMetrics(ctx context.Context) ([]metricsv1beta1.PodMetrics, error) {
	list, err := c.client.PodMetricses("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// NewUsageCollector polls metrics-server for node and pod resource usage.
// Node and pod lists fail independently.
func NewUsageCollector(api MetricsAPI, interval time.Duration, reporter *errors.Reporter, opts ...collector.PeriodicOption) *collector.Periodic {
	collect := func(ctx context.Context) (metric.Batch, error) {
		return collectUsage(ctx, api, reporter), nil
	}
	opts = append([]collector.PeriodicOption{collector.WithReporter(reporter)}, opts...)
	return collector.NewPeriodic("k8s-usage", interval, collect, opts...)
}

func collectUsage(ctx context.Context, api MetricsAPI, reporter *errors.Reporter) metric.Batch {
	nodeCPU := metric.NewGauge("k8s_node_cpu_usage_cores", "CPU usage of a node in cores.")
	nodeMem := metric.NewGauge("k8s_node_memory_usage_bytes", "Memory usage of a node in bytes.")
	podCPU := metric.NewGauge("k8s_pod_cpu_usage_cores", "CPU usage of a pod in cores.")
	podMem := metric.NewGauge("k8s_pod_memory_usage_bytes", "Memory usage of a pod in bytes.")

	nodes, err := api.ListNodeMetrics(ctx)
	if err != nil {
		reporter.ReportKind(errors.KindAPI, "node-metrics", err)
	}
	for _, nm := range nodes {
		labels := map[string]string{"name": nm.Name}
		cpu, mem := nm.Usage.Cpu(), nm.Usage.Memory()
		nodeCPU.Set(labels, cpu.AsApproximateFloat64())
		nodeMem.Set(labels, float64(mem.Value()))
	}

	pods, err := api.ListPodMetrics(ctx)
	if err != nil {
		reporter.ReportKind(errors.KindAPI, "pod-metrics", err)
	}
	for _, pm := range pods {
		var cpu, mem float64
		for _, cm := range pm.Containers {
			cpu += cm.Usage.Cpu().AsApproximateFloat64()
			mem += float64(cm.Usage.Memory().Value())
		}
		labels := map[string]string{"namespace": pm.Namespace, "name": pm.Name}
		podCPU.Set(labels, cpu)
		podMem.Set(labels, mem)
	}

	return metric.Build(nodeCPU, nodeMem, podCPU, podMem)
}
