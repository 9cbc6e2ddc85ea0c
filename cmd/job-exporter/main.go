package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/urfave/cli/v3"
	_ "go.uber.org/automaxprocs"
	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/agent"
	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/collector/container"
	"github.com/openpai/pai-telemetry/internal/collector/dockerd"
	"github.com/openpai/pai-telemetry/internal/collector/gpu"
	"github.com/openpai/pai-telemetry/internal/collector/process"
	"github.com/openpai/pai-telemetry/internal/collector/zombie"
	"github.com/openpai/pai-telemetry/internal/command"
	"github.com/openpai/pai-telemetry/internal/config"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/logging"
	"github.com/openpai/pai-telemetry/internal/network"
	"github.com/openpai/pai-telemetry/internal/observability"
	"github.com/openpai/pai-telemetry/internal/textfile"
)

const name = "job-exporter"

func main() {
	logging.SetDefault(name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(run).Run(ctx, os.Args); err != nil {
		slog.Error("job-exporter failed", "error", err)
		os.Exit(1)
	}
}

func newCommand(action func(context.Context, config.NodeConfig) error) *cli.Command {
	defaults := config.NewNodeConfig()
	return &cli.Command{
		Name:  name,
		Usage: "Export per-container GPU, CPU and network usage of OpenPAI jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log",
				Aliases: []string{"l"},
				Usage:   "directory for textfile collector output; empty disables it",
				Sources: cli.EnvVars("JOB_EXPORTER_LOG_DIR"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP port for /metrics and /healthz",
				Value:   defaults.Port,
			},
			&cli.IntFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "collection interval in seconds",
				Value:   int(defaults.Interval / time.Second),
			},
			&cli.StringFlag{
				Name:     "interface",
				Aliases:  []string{"n"},
				Usage:    "network interface sampled for job traffic",
				Sources:  cli.EnvVars("JOB_EXPORTER_INTERFACE"),
				Required: true,
			},
			&cli.Int64Flag{
				Name:    "threshold",
				Aliases: []string{"t"},
				Usage:   "used GPU memory in bytes above which an idle GPU counts as leaking",
				Value:   defaults.LeakThreshold,
			},
			&cli.StringFlag{
				Name:  "docker-unit",
				Usage: "systemd unit of the docker daemon; empty skips the unit check",
			},
			&cli.StringFlag{
				Name:  "cgroup-root",
				Usage: "memory cgroup directory of docker containers",
				Value: defaults.CgroupRoot,
			},
			&cli.DurationFlag{
				Name:  "zombie-decay",
				Usage: "how long a container must look like a zombie before it is counted",
				Value: defaults.ZombieDecay,
			},
			&cli.DurationFlag{
				Name:  "command-timeout",
				Usage: "timeout of each external command",
				Value: defaults.CommandTimeout,
			},
			&cli.BoolFlag{
				Name:    "debug-endpoints",
				Usage:   "serve /debug/pprof and /debug/errors",
				Sources: cli.EnvVars("JOB_EXPORTER_DEBUG_ENDPOINTS"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := defaults
			cfg.LogDir = cmd.String("log")
			cfg.Port = cmd.Int("port")
			cfg.Interval = time.Duration(cmd.Int("interval")) * time.Second
			cfg.Interface = cmd.String("interface")
			cfg.LeakThreshold = cmd.Int64("threshold")
			cfg.DockerUnit = cmd.String("docker-unit")
			cfg.CgroupRoot = cmd.String("cgroup-root")
			cfg.ZombieDecay = cmd.Duration("zombie-decay")
			cfg.CommandTimeout = cmd.Duration("command-timeout")
			cfg.DebugEndpoints = cmd.Bool("debug-endpoints")

			if err := cfg.Validate(); err != nil {
				return err
			}
			return action(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg config.NodeConfig) error {
	slog.Info("job-exporter starting",
		"port", cfg.Port,
		"interval", cfg.Interval,
		"interface", cfg.Interface,
		"log_dir", cfg.LogDir,
		"driver_path", cfg.DriverPath,
	)

	metrics := observability.NewMetrics()
	reporter := errors.NewReporter(clock.RealClock{}, metrics.ErrorsTotal)
	runner := command.NewExecRunner(
		command.WithTimeout(cfg.CommandTimeout),
		command.WithDriverPath(cfg.DriverPath),
	)

	smi := gpu.NewNvidiaSMIClient(runner)
	docker := container.NewDockerCLI(runner)
	popts := []collector.PeriodicOption{collector.WithMetrics(metrics)}

	gpuInfo := cache.NewAtomicRef[gpu.GPUInfo](nil)
	containers := cache.NewAtomicRef(container.Containers{})

	gpuCollector := gpu.NewCollector(smi, gpuInfo, cfg.Interval, cfg.LeakThreshold, reporter, popts...)
	containerCollector := container.NewCollector(docker, containers, cfg.ContainerInterval(), reporter, []container.Option{
		container.WithGPUInfo(gpuInfo),
		container.WithCgroup(container.NewCgroupReader(cfg.CgroupRoot)),
		container.WithProc(container.NewProcReader("/proc")),
		container.WithNetwork(network.NewSampler(cfg.Interface, runner, reporter), network.NewSocketReader(runner, reporter)),
	}, append([]collector.PeriodicOption{collector.WithMaxStaleness(cfg.ContainerMaxStaleness())}, popts...)...)
	zombieCollector := zombie.NewCollector(docker, containers, cfg.Interval, cfg.ZombieDecay, cfg.ContainerMaxStaleness(), reporter, clock.RealClock{}, popts...)
	processCollector := process.NewCollector(process.NewLister(), cfg.Interval, reporter, popts...)

	var units dockerd.UnitStateReader
	if cfg.DockerUnit != "" {
		units = dockerd.NewSystemdReader()
	}
	dockerdCollector := dockerd.NewCollector(runner, units, cfg.DockerUnit, cfg.Interval, reporter, popts...)

	registry := collector.NewRegistry()
	registry.MustRegister(gpuCollector, containerCollector, zombieCollector, processCollector, dockerdCollector)

	configured := collector.NewStaticSource("configured_gpu", gpu.ConfiguredGPUs(ctx, smi))

	a := agent.New(agent.Options{
		Name:           name,
		Port:           cfg.Port,
		Interval:       cfg.Interval,
		DebugEndpoints: cfg.DebugEndpoints,
	}, registry, metrics, reporter, configured)

	if cfg.LogDir != "" {
		files := []struct {
			name    string
			sources []collector.Source
		}{
			{config.GPUTextfile, []collector.Source{gpuCollector}},
			{config.JobTextfile, []collector.Source{containerCollector, zombieCollector, processCollector, dockerdCollector}},
			{config.ConfiguredGPUsFile, []collector.Source{configured}},
		}
		for _, f := range files {
			w, err := textfile.NewWriter(cfg.Textfile(f.name), metrics, f.sources...)
			if err != nil {
				return fmt.Errorf("textfile %s: %w", f.name, err)
			}
			a.AddTextfile(w)
		}
	}

	return a.Run(ctx)
}
