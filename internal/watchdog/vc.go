package watchdog

import (
	"fmt"

	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"

	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
)

// SchedulingSpecAnnotation carries the HiveD placement request of a pod.
const SchedulingSpecAnnotation = "hivedscheduler.microsoft.com/pod-scheduling-spec"

// unknownResource labels pods that do not name a leaf cell type.
const unknownResource = "unknown"

// PodSchedulingSpec is the subset of the annotation the watchdog reads.
type PodSchedulingSpec struct {
	VirtualCluster string `yaml:"virtualCluster"`
	Priority       int    `yaml:"priority"`
	LeafCellType   string `yaml:"leafCellType"`
	LeafCellNumber int    `yaml:"leafCellNumber"`
}

// VCUsage is the GPU usage of one (vc, resource) within a single tick.
type VCUsage struct {
	Used            float64
	PreemptableUsed float64
}

// ComputeUsage sums the GPUs requested by every bound, non-terminated pod
// that carries a scheduling spec. Negative priority marks a pod as
// preemptable. A pod whose annotation does not parse is skipped and
// reported.
func ComputeUsage(pods []corev1.Pod, reporter *errors.Reporter) map[VCResource]*VCUsage {
	usage := make(map[VCResource]*VCUsage)
	for i := range pods {
		p := &pods[i]
		raw, ok := p.Annotations[SchedulingSpecAnnotation]
		if !ok || !isActive(p) {
			continue
		}
		var spec PodSchedulingSpec
		if err := yaml.Unmarshal([]byte(raw), &spec); err != nil {
			reporter.ReportKind(errors.KindItem, "pod-scheduling-spec", fmt.Errorf("%s/%s: %w", p.Namespace, p.Name, err))
			continue
		}
		resource := spec.LeafCellType
		if resource == "" {
			resource = unknownResource
		}
		key := VCResource{VC: spec.VirtualCluster, Resource: resource}
		u, ok := usage[key]
		if !ok {
			u = &VCUsage{}
			usage[key] = u
		}
		n := float64(spec.LeafCellNumber)
		u.Used += n
		if spec.Priority < 0 {
			u.PreemptableUsed += n
		}
	}
	return usage
}

// VCFamilies combines quota and usage. A (vc, resource) seen only in
// usage gets a zero total.
func VCFamilies(quota map[VCResource]float64, usage map[VCResource]*VCUsage) metric.Batch {
	total := metric.NewGauge("k8s_vc_resource_total", "GPU quota of a virtual cluster.")
	used := metric.NewGauge("k8s_vc_resource_used", "GPUs used in a virtual cluster.")
	preemptableUsed := metric.NewGauge("k8s_vc_resource_preemptable_used", "GPUs used by preemptable pods in a virtual cluster.")
	available := metric.NewGauge("k8s_vc_resource_available", "GPU quota minus used GPUs.")
	preemptiveAvailable := metric.NewGauge("k8s_vc_resource_preemptive_available", "GPU quota minus GPUs used by non-preemptable pods.")

	keys := make(map[VCResource]struct{}, len(quota)+len(usage))
	for k := range quota {
		keys[k] = struct{}{}
	}
	for k := range usage {
		keys[k] = struct{}{}
	}

	for k := range keys {
		labels := map[string]string{"vc": k.VC, "resource": k.Resource}
		t := quota[k]
		var u VCUsage
		if p, ok := usage[k]; ok {
			u = *p
		}
		total.Set(labels, t)
		used.Set(labels, u.Used)
		preemptableUsed.Set(labels, u.PreemptableUsed)
		available.Set(labels, t-u.Used)
		preemptiveAvailable.Set(labels, t-(u.Used-u.PreemptableUsed))
	}

	return metric.Build(total, used, preemptableUsed, available, preemptiveAvailable)
}
