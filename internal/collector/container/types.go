// Package container collects per-container resource usage from the docker
// CLI and labels job containers with their OpenPAI job identity.
package container

import "time"

// ContainerStats is one row of `docker stats`. Values that docker could not
// report, or that failed to parse, are -1.
type ContainerStats struct {
	ID         string
	Name       string
	CPUPercent float64
	MemUsage   float64 // bytes
	MemLimit   float64 // bytes
	MemPercent float64
	NetIn      float64 // bytes
	NetOut     float64 // bytes
	BlockIn    float64 // bytes
	BlockOut   float64 // bytes
}

// InspectResult is the job identity of a container from `docker inspect`.
// Fields are empty for containers that are not job containers.
type InspectResult struct {
	ID             string
	Name           string
	Username       string
	JobName        string
	TaskRole       string
	TaskIndex      string
	GPUIDs         []string // minor numbers or GPU UUIDs
	DistributedID  string
	VirtualCluster string
	Pid            int
	NetworkMode    string
}

// IsJob reports whether the container belongs to a job.
func (r InspectResult) IsJob() bool {
	return r.JobName != ""
}

// HostNetwork reports whether the container shares the host network
// namespace, in which case docker reports no network traffic for it.
func (r InspectResult) HostNetwork() bool {
	return r.NetworkMode == "host"
}

// Containers is what one container collector iteration saw. It is handed
// to the zombie collector.
type Containers struct {
	Stats      []ContainerStats
	Jobs       map[string]InspectResult // keyed by stats id
	ProducedAt time.Time
}

// Names returns the names of all live containers.
func (c Containers) Names() []string {
	out := make([]string, 0, len(c.Stats))
	for _, s := range c.Stats {
		out = append(out, s.Name)
	}
	return out
}
