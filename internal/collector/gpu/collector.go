package gpu

import (
	"context"
	"log/slog"
	"time"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
)

// Collector polls nvidia-smi on a timer and publishes the nvidiasmi_*
// families. It implements collector.Collector and collector.Source.
type Collector struct {
	*collector.Periodic

	query     *cachedQuery
	threshold float64
	info      *cache.AtomicRef[GPUInfo]
}

// NewCollector creates a GPU collector. Every iteration stores the latest
// GPUInfo in info, or nil when no fresh result is available. threshold is
// the used-memory byte count above which a GPU with no processes is
// reported as leaking.
func NewCollector(api GPUQueryAPI, info *cache.AtomicRef[GPUInfo], interval time.Duration, threshold int64, reporter *errors.Reporter, opts ...collector.PeriodicOption) *Collector {
	c := &Collector{
		query:     newCachedQuery(api, 2*interval, reporter),
		threshold: float64(threshold),
		info:      info,
	}
	opts = append([]collector.PeriodicOption{collector.WithReporter(reporter)}, opts...)
	c.Periodic = collector.NewPeriodic("gpu", interval, c.collect, opts...)
	return c
}

func (c *Collector) collect(ctx context.Context) (metric.Batch, error) {
	info, ok := c.query.QueryGPUs(ctx)
	if !ok {
		c.info.Set(nil)
		slog.Debug("gpu collector: no fresh nvidia-smi result")
		return nil, nil
	}
	c.info.Set(info)
	return ToBatch(info, c.threshold), nil
}

// ToBatch converts GPU status into the nvidiasmi_* families.
func ToBatch(info GPUInfo, leakThreshold float64) metric.Batch {
	attached := metric.NewGauge("nvidiasmi_attached_gpus", "Number of GPUs attached to the node.")
	gpuUtil := metric.NewGauge("nvidiasmi_utilization_gpu", "GPU utilization in percent.")
	memUtil := metric.NewGauge("nvidiasmi_utilization_memory", "GPU memory utilization in percent.")
	memUsage := metric.NewGauge("nvidiasmi_memory_usage", "GPU framebuffer memory in bytes.")
	ecc := metric.NewGauge("nvidiasmi_ecc_errors", "Volatile ECC error count.")
	temp := metric.NewGauge("nvidiasmi_temperature", "GPU temperature in celsius.")
	leak := metric.NewGauge("nvidiasmi_memory_leak", "1 if GPU memory is in use while no process runs on the GPU.")

	attached.Set(nil, float64(len(info)))

	for minor, s := range info {
		labels := map[string]string{"minor_number": minor}
		setIf(gpuUtil, labels, s.GPUUtil)
		setIf(memUtil, labels, s.MemUtil)
		setIf(temp, labels, s.Temperature)
		setIf(memUsage, map[string]string{"minor_number": minor, "type": "used"}, s.MemUsed)
		setIf(memUsage, map[string]string{"minor_number": minor, "type": "total"}, s.MemTotal)
		setIf(ecc, map[string]string{"minor_number": minor, "type": "volatile_single"}, s.ECCSingle)
		setIf(ecc, map[string]string{"minor_number": minor, "type": "volatile_double"}, s.ECCDouble)

		if s.MemUsed != nil {
			v := 0.0
			if *s.MemUsed > leakThreshold && len(s.Pids) == 0 {
				v = 1
			}
			leak.Set(labels, v)
		}
	}

	return metric.Build(attached, gpuUtil, memUtil, memUsage, ecc, temp, leak)
}

func setIf(b *metric.FamilyBuilder, labels map[string]string, v *float64) {
	if v != nil {
		b.Set(labels, *v)
	}
}

// ConfiguredGPUs queries the GPUs once and returns configured_gpu_count.
// A failed query counts as zero GPUs.
func ConfiguredGPUs(ctx context.Context, api GPUQueryAPI) metric.Batch {
	n := 0
	info, err := api.QueryGPUs(ctx)
	if err != nil {
		slog.Warn("gpu collector: initial nvidia-smi query failed, assuming no GPUs", "error", err)
	} else {
		n = len(info)
	}
	b := metric.NewGauge("configured_gpu_count", "Number of GPUs found on the node at startup.")
	b.Set(nil, float64(n))
	slog.Info("configured gpu count", "count", n)
	return metric.Build(b)
}
