package config

import (
	"os"
	"path/filepath"
	"time"
)

// Defaults shared by the command line definitions and tests.
const (
	DefaultNodePort        = 9102
	DefaultWatchdogPort    = 9101
	DefaultInterval        = 30 * time.Second
	DefaultLeakThreshold   = 20 * 1024 * 1024
	DefaultCgroupRoot      = "/sys/fs/cgroup/memory/docker"
	DefaultZombieDecay     = 5 * time.Minute
	DefaultCommandTimeout  = 60 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DriverEnv              = "NV_DRIVER"
	containerLatencyBudget = 18 * time.Second
	containerLatencyP99    = 20 * time.Second
)

// Textfile names written under the log directory.
const (
	GPUTextfile        = "gpu_exporter.prom"
	JobTextfile        = "job_exporter.prom"
	WatchdogTextfile   = "watchdog.prom"
	ConfiguredGPUsFile = "configured_gpu.prom"
)

// NodeConfig holds the node job-exporter configuration.
type NodeConfig struct {
	LogDir         string        // --log, textfile output directory
	Port           int           // --port, default 9102
	Interval       time.Duration // --interval, default 30s
	Interface      string        // --interface, required
	LeakThreshold  int64         // --threshold, GPU memory leak bytes
	DockerUnit     string        // --docker-unit, optional systemd unit
	CgroupRoot     string        // --cgroup-root
	DriverPath     string        // NV_DRIVER
	ZombieDecay    time.Duration // --zombie-decay, default 5m
	CommandTimeout time.Duration // --command-timeout, default 60s
	DebugEndpoints bool          // --debug-endpoints, enables pprof and /debug/errors
}

// NewNodeConfig returns a NodeConfig with defaults applied and the driver
// path read from the environment.
func NewNodeConfig() NodeConfig {
	return NodeConfig{
		Port:           DefaultNodePort,
		Interval:       DefaultInterval,
		LeakThreshold:  DefaultLeakThreshold,
		CgroupRoot:     DefaultCgroupRoot,
		DriverPath:     os.Getenv(DriverEnv),
		ZombieDecay:    DefaultZombieDecay,
		CommandTimeout: DefaultCommandTimeout,
	}
}

// ContainerInterval is the sleep between container collector iterations.
// docker stats plus inspect take up to ~20s at p99, so the loop sleeps less
// than the scrape interval to land a fresh sample most ticks.
func (c NodeConfig) ContainerInterval() time.Duration {
	d := c.Interval - containerLatencyBudget
	if d < time.Second {
		return time.Second
	}
	return d
}

// ContainerMaxStaleness is how long a container batch, and the container
// list the zombie collector reads, stays valid. One slow docker pass must
// not make the task_* families disappear.
func (c NodeConfig) ContainerMaxStaleness() time.Duration {
	return max(3*c.ContainerInterval(), c.ContainerInterval()+2*containerLatencyP99)
}

// Textfile returns the path of a textfile under LogDir, or "" when textfile
// output is disabled.
func (c NodeConfig) Textfile(name string) string {
	return textfile(c.LogDir, name)
}

// WatchdogConfig holds the cluster watchdog configuration.
type WatchdogConfig struct {
	APIServerURL   string        // positional argument
	LogDir         string        // --log
	Port           int           // --port, default 9101
	Interval       time.Duration // --interval, default 30s
	CAFile         string        // --ca
	BearerFile     string        // --bearer, token file
	HivedConfig    string        // --hived-config, optional scheduler config
	RequestTimeout time.Duration // --request-timeout, default 10s
	DebugEndpoints bool          // --debug-endpoints
}

// NewWatchdogConfig returns a WatchdogConfig with defaults applied.
func NewWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Port:           DefaultWatchdogPort,
		Interval:       DefaultInterval,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Textfile returns the path of a textfile under LogDir, or "".
func (c WatchdogConfig) Textfile(name string) string {
	return textfile(c.LogDir, name)
}

func textfile(dir, name string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, name)
}
