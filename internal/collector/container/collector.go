package container

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/collector/gpu"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
	"github.com/openpai/pai-telemetry/internal/network"
)

// TrafficSampler returns the node connection table, if a fresh one exists.
type TrafficSampler interface {
	Table(ctx context.Context) (network.ConnectionTable, bool)
}

// SocketLister returns the established local endpoints of pids.
type SocketLister interface {
	Sockets(ctx context.Context, pids []int) network.ProcessSocketMap
}

// Collector runs docker stats every iteration, enriches job containers with
// inspect data, GPU usage and host network traffic, and publishes the
// task_* families. It implements collector.Collector and collector.Source.
type Collector struct {
	*collector.Periodic

	docker   DockerAPI
	inspect  *InspectCache
	reporter *errors.Reporter
	out      *cache.AtomicRef[Containers]

	gpuInfo *cache.AtomicRef[gpu.GPUInfo]
	cgroup  *CgroupReader
	procs   *ProcReader
	sampler TrafficSampler
	sockets SocketLister
	clock   clock.PassiveClock
}

// Option configures optional data sources of the Collector.
type Option func(*Collector)

// WithGPUInfo enables per-container GPU metrics from the GPU collector.
func WithGPUInfo(ref *cache.AtomicRef[gpu.GPUInfo]) Option {
	return func(c *Collector) { c.gpuInfo = ref }
}

// WithCgroup enables task_mem_working_set_byte.
func WithCgroup(r *CgroupReader) Option {
	return func(c *Collector) { c.cgroup = r }
}

// WithProc enables detection of GPU processes outside job containers.
func WithProc(r *ProcReader) Option {
	return func(c *Collector) { c.procs = r }
}

// WithNetwork enables traffic attribution for host network containers.
func WithNetwork(sampler TrafficSampler, sockets SocketLister) Option {
	return func(c *Collector) {
		c.sampler = sampler
		c.sockets = sockets
	}
}

// NewCollector creates a container collector. Every successful iteration
// stores what it saw in out.
func NewCollector(docker DockerAPI, out *cache.AtomicRef[Containers], interval time.Duration, reporter *errors.Reporter, opts []Option, popts ...collector.PeriodicOption) *Collector {
	c := &Collector{
		docker:   docker,
		inspect:  NewInspectCache(docker),
		reporter: reporter,
		out:      out,
		clock:    clock.RealClock{},
	}
	for _, o := range opts {
		o(c)
	}
	popts = append([]collector.PeriodicOption{collector.WithReporter(reporter)}, popts...)
	c.Periodic = collector.NewPeriodic("container", interval, c.collect, popts...)
	return c
}

// Stop stops the loop and the inspect cache.
func (c *Collector) Stop() {
	c.Periodic.Stop()
	c.inspect.Stop()
}

type families struct {
	cpu, memUsage, memLimit, memPercent, workingSet      *metric.FamilyBuilder
	netIn, netOut, blockIn, blockOut, gpuPercent, gpuMem *metric.FamilyBuilder
	serviceCPU, serviceMem, externalGPU                  *metric.FamilyBuilder
}

func newFamilies() *families {
	return &families{
		cpu:         metric.NewGauge("task_cpu_percent", "CPU usage of a job container in percent."),
		memUsage:    metric.NewGauge("task_mem_usage_byte", "Memory usage of a job container in bytes."),
		memLimit:    metric.NewGauge("task_mem_limit_byte", "Memory limit of a job container in bytes."),
		memPercent:  metric.NewGauge("task_mem_usage_percent", "Memory usage of a job container in percent of its limit."),
		workingSet:  metric.NewGauge("task_mem_working_set_byte", "Memory working set of a job container in bytes, -1 if unreadable."),
		netIn:       metric.NewGauge("task_net_in_byte", "Bytes received by a job container."),
		netOut:      metric.NewGauge("task_net_out_byte", "Bytes sent by a job container."),
		blockIn:     metric.NewGauge("task_block_in_byte", "Bytes read from block devices by a job container."),
		blockOut:    metric.NewGauge("task_block_out_byte", "Bytes written to block devices by a job container."),
		gpuPercent:  metric.NewGauge("task_gpu_percent", "Utilization of a GPU assigned to a job container in percent."),
		gpuMem:      metric.NewGauge("task_gpu_mem_percent", "Memory utilization of a GPU assigned to a job container in percent."),
		serviceCPU:  metric.NewGauge("service_cpu_percent", "CPU usage of a non-job container in percent."),
		serviceMem:  metric.NewGauge("service_mem_usage_byte", "Memory usage of a non-job container in bytes."),
		externalGPU: metric.NewGauge("gpu_used_by_external_process_count", "1 for a process using a GPU outside any job container."),
	}
}

func (f *families) build() metric.Batch {
	return metric.Build(
		f.cpu, f.memUsage, f.memLimit, f.memPercent, f.workingSet,
		f.netIn, f.netOut, f.blockIn, f.blockOut, f.gpuPercent, f.gpuMem,
		f.serviceCPU, f.serviceMem, f.externalGPU,
	)
}

func (c *Collector) collect(ctx context.Context) (metric.Batch, error) {
	stats, err := c.docker.Stats(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make(map[string]InspectResult)
	services := make([]ContainerStats, 0)
	for _, s := range stats {
		r, err := c.inspect.Inspect(ctx, s.ID)
		if err != nil {
			// The container may have exited between stats and inspect.
			c.reporter.ReportKind(errors.KindItem, "docker inspect", err)
			continue
		}
		if r.IsJob() {
			jobs[s.ID] = c.refreshPid(ctx, s.ID, r)
		} else {
			services = append(services, s)
		}
	}

	traffic := c.hostTraffic(ctx, jobs)
	var info gpu.GPUInfo
	if c.gpuInfo != nil {
		info = c.gpuInfo.Get()
	}

	f := newFamilies()
	for _, s := range stats {
		r, ok := jobs[s.ID]
		if !ok {
			continue
		}
		labels := jobLabels(s.ID, r)
		f.cpu.Set(labels, s.CPUPercent)
		f.memUsage.Set(labels, s.MemUsage)
		f.memLimit.Set(labels, s.MemLimit)
		f.memPercent.Set(labels, s.MemPercent)
		f.blockIn.Set(labels, s.BlockIn)
		f.blockOut.Set(labels, s.BlockOut)

		netIn, netOut := s.NetIn, s.NetOut
		if t, ok := traffic[s.ID]; ok {
			netIn, netOut = float64(t.In), float64(t.Out)
		}
		f.netIn.Set(labels, netIn)
		f.netOut.Set(labels, netOut)

		if c.cgroup != nil {
			f.workingSet.Set(labels, c.cgroup.WorkingSet(r.ID))
		}

		for _, minor := range resolveMinors(r.GPUIDs, info) {
			status := info[minor]
			gl := jobLabels(s.ID, r)
			gl["minor_number"] = minor
			if status.GPUUtil != nil {
				f.gpuPercent.Set(gl, *status.GPUUtil)
			}
			if status.MemUtil != nil {
				f.gpuMem.Set(gl, *status.MemUtil)
			}
		}
	}

	for _, s := range services {
		labels := map[string]string{"name": s.Name}
		f.serviceCPU.Set(labels, s.CPUPercent)
		f.serviceMem.Set(labels, s.MemUsage)
	}

	c.externalGPUProcesses(f.externalGPU, info, jobs)

	c.out.Set(Containers{Stats: stats, Jobs: jobs, ProducedAt: c.clock.Now()})
	slog.Debug("container collector: iteration complete", "containers", len(stats), "jobs", len(jobs))
	return f.build(), nil
}

func jobLabels(id string, r InspectResult) map[string]string {
	return map[string]string{
		"container_id":    id,
		"username":        r.Username,
		"job_name":        r.JobName,
		"role_name":       r.TaskRole,
		"task_index":      r.TaskIndex,
		"virtual_cluster": r.VirtualCluster,
	}
}

// resolveMinors maps a container's GPU ids, which are minor numbers or
// UUIDs, to minor numbers known to nvidia-smi.
func resolveMinors(ids []string, info gpu.GPUInfo) []string {
	if len(info) == 0 {
		return nil
	}
	var out []string
	for _, id := range ids {
		if _, ok := info[id]; ok {
			out = append(out, id)
			continue
		}
		for minor, s := range info {
			if strings.EqualFold(s.UUID, id) {
				out = append(out, minor)
				break
			}
		}
	}
	return out
}

// hostTraffic attributes node traffic to host network job containers. All
// of them share the host namespace, so lsof lists every host process there;
// a socket counts for a container only when its process runs inside it.
// It returns nothing when no fresh connection table exists.
func (c *Collector) hostTraffic(ctx context.Context, jobs map[string]InspectResult) map[string]network.Traffic {
	if c.sampler == nil || c.sockets == nil {
		return nil
	}
	byPid := make(map[int]string)
	byFullID := make(map[string]int)
	for id, r := range jobs {
		if r.HostNetwork() && r.Pid > 0 {
			byPid[r.Pid] = id
			byFullID[r.ID] = r.Pid
		}
	}
	if len(byPid) == 0 {
		return nil
	}
	table, ok := c.sampler.Table(ctx)
	if !ok {
		return nil
	}
	pids := make([]int, 0, len(byPid))
	for pid := range byPid {
		pids = append(pids, pid)
	}
	fullIDs := make([]string, 0, len(byFullID))
	for id := range byFullID {
		fullIDs = append(fullIDs, id)
	}

	owned := make(network.ProcessSocketMap, len(pids))
	for _, pid := range pids {
		owned[pid] = sets.New[string]()
	}
	for pid, endpoints := range c.sockets.Sockets(ctx, pids) {
		initPid, ok := c.ownerOf(pid, byPid, byFullID, fullIDs)
		if !ok {
			continue
		}
		owned.Add(initPid, endpoints.UnsortedList()...)
	}

	attributed := network.Attribute(table, owned)
	out := make(map[string]network.Traffic, len(attributed))
	for pid, t := range attributed {
		out[byPid[pid]] = t
	}
	return out
}

// ownerOf returns the init pid of the host network job container pid runs
// in. Without a proc reader only the init processes themselves match.
func (c *Collector) ownerOf(pid int, byPid map[int]string, byFullID map[string]int, fullIDs []string) (int, bool) {
	if _, ok := byPid[pid]; ok {
		return pid, true
	}
	if c.procs == nil {
		return 0, false
	}
	id, ok := c.procs.ContainerOf(pid, fullIDs)
	if !ok || id == "" {
		return 0, false
	}
	return byFullID[id], true
}

// refreshPid re-inspects a host network job whose cached init pid no
// longer runs in it, as after `docker restart`, which keeps the id.
func (c *Collector) refreshPid(ctx context.Context, statsID string, r InspectResult) InspectResult {
	if c.procs == nil || !r.HostNetwork() || r.Pid <= 0 {
		return r
	}
	if owner, ok := c.procs.ContainerOf(r.Pid, []string{r.ID}); ok && owner == r.ID {
		return r
	}
	c.inspect.Forget(statsID)
	fresh, err := c.inspect.Inspect(ctx, statsID)
	if err != nil {
		c.reporter.ReportKind(errors.KindItem, "docker inspect", err)
		return r
	}
	return fresh
}

func (c *Collector) externalGPUProcesses(b *metric.FamilyBuilder, info gpu.GPUInfo, jobs map[string]InspectResult) {
	if c.procs == nil || len(info) == 0 {
		return
	}
	ids := make([]string, 0, len(jobs))
	for _, r := range jobs {
		ids = append(ids, r.ID)
	}
	for minor, s := range info {
		for _, pid := range s.Pids {
			owner, ok := c.procs.ContainerOf(pid, ids)
			if !ok || owner != "" {
				continue
			}
			b.Set(map[string]string{"minor_number": minor, "pid": strconv.Itoa(pid)}, 1)
		}
	}
}
