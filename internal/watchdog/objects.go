package watchdog

import (
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/openpai/pai-telemetry/internal/metric"
)

// GPUResource is the extended resource name of NVIDIA GPUs.
const GPUResource corev1.ResourceName = "nvidia.com/gpu"

// Labels that mark service and job pods.
const (
	serviceLabel = "app"
	jobLabel     = "jobName"
)

// PodFamilies builds the per-pod and per-container gauges. Every family is
// rebuilt from scratch on each call, so a label combination that stopped
// being true is never carried over.
func PodFamilies(pods []corev1.Pod) metric.Batch {
	podCount := metric.NewGauge("pai_pod_count", "Number of service pods by phase and condition.")
	jobPodCount := metric.NewGauge("pai_job_pod_count", "Number of job pods by phase and readiness.")
	containerCount := metric.NewGauge("pai_container_count", "Number of service containers by state and readiness.")

	for i := range pods {
		p := &pods[i]
		phase := strings.ToLower(string(p.Status.Phase))
		hostIP := p.Status.HostIP

		if service, ok := p.Labels[serviceLabel]; ok {
			podCount.Add(map[string]string{
				"service_name":  service,
				"name":          p.Name,
				"namespace":     p.Namespace,
				"phase":         phase,
				"host_ip":       hostIP,
				"initialized":   podCondition(p, corev1.PodInitialized),
				"pod_scheduled": podCondition(p, corev1.PodScheduled),
				"ready":         podCondition(p, corev1.PodReady),
			}, 1)

			for _, cs := range p.Status.ContainerStatuses {
				containerCount.Add(map[string]string{
					"service_name": service,
					"pod_name":     p.Name,
					"name":         cs.Name,
					"namespace":    p.Namespace,
					"state":        containerState(cs.State),
					"host_ip":      hostIP,
					"ready":        strconv.FormatBool(cs.Ready),
				}, 1)
			}
		}

		if job, ok := p.Labels[jobLabel]; ok {
			jobPodCount.Add(map[string]string{
				"job_name": job,
				"name":     p.Name,
				"phase":    phase,
				"host_ip":  hostIP,
				"ready":    podCondition(p, corev1.PodReady),
			}, 1)
		}
	}

	return metric.Build(podCount, jobPodCount, containerCount)
}

// podCondition returns "true", "false" or "unknown".
func podCondition(p *corev1.Pod, t corev1.PodConditionType) string {
	for _, c := range p.Status.Conditions {
		if c.Type == t {
			return strings.ToLower(string(c.Status))
		}
	}
	return "unknown"
}

func containerState(s corev1.ContainerState) string {
	switch {
	case s.Running != nil:
		return "running"
	case s.Waiting != nil:
		return "waiting"
	case s.Terminated != nil:
		return "terminated"
	default:
		return "unknown"
	}
}

// NodeFamilies builds node condition gauges and the per-node GPU capacity.
// Available GPUs are allocatable minus the GPU limits of pods bound to the
// node that have not terminated.
func NodeFamilies(nodes []corev1.Node, pods []corev1.Pod) metric.Batch {
	nodeCount := metric.NewGauge("pai_node_count", "Number of nodes by condition.")
	gpuTotal := metric.NewGauge("k8s_node_gpu_total", "Allocatable GPUs of a node.")
	gpuAvailable := metric.NewGauge("k8s_node_gpu_available", "GPUs of a node not claimed by running pods.")

	claimed := make(map[string]int64)
	for i := range pods {
		p := &pods[i]
		if !isActive(p) {
			continue
		}
		claimed[p.Spec.NodeName] += podGPUs(p)
	}

	for i := range nodes {
		n := &nodes[i]
		nodeCount.Add(map[string]string{
			"name":            n.Name,
			"disk_pressure":   nodeCondition(n, corev1.NodeDiskPressure),
			"memory_pressure": nodeCondition(n, corev1.NodeMemoryPressure),
			"pid_pressure":    nodeCondition(n, corev1.NodePIDPressure),
			"ready":           nodeCondition(n, corev1.NodeReady),
			"unschedulable":   strconv.FormatBool(n.Spec.Unschedulable),
		}, 1)

		q, ok := n.Status.Allocatable[GPUResource]
		if !ok {
			continue
		}
		labels := map[string]string{"host_ip": nodeIP(n)}
		total := q.Value()
		gpuTotal.Set(labels, float64(total))
		gpuAvailable.Set(labels, float64(max(total-claimed[n.Name], 0)))
	}

	return metric.Build(nodeCount, gpuTotal, gpuAvailable)
}

func nodeCondition(n *corev1.Node, t corev1.NodeConditionType) string {
	for _, c := range n.Status.Conditions {
		if c.Type == t {
			return strings.ToLower(string(c.Status))
		}
	}
	return "unknown"
}

// nodeIP returns the node's internal address, falling back to its name.
func nodeIP(n *corev1.Node) string {
	for _, a := range n.Status.Addresses {
		if a.Type == corev1.NodeInternalIP {
			return a.Address
		}
	}
	return n.Name
}

// isActive reports whether p is bound to a node and has not terminated.
func isActive(p *corev1.Pod) bool {
	if p.Spec.NodeName == "" {
		return false
	}
	return p.Status.Phase != corev1.PodSucceeded && p.Status.Phase != corev1.PodFailed
}

func podGPUs(p *corev1.Pod) int64 {
	var n int64
	for _, c := range p.Spec.Containers {
		if q, ok := c.Resources.Limits[GPUResource]; ok {
			n += q.Value()
		}
	}
	return n
}
