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
	"k8s.io/client-go/kubernetes"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/agent"
	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/config"
	"github.com/openpai/pai-telemetry/internal/discovery"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/logging"
	"github.com/openpai/pai-telemetry/internal/observability"
	"github.com/openpai/pai-telemetry/internal/textfile"
	"github.com/openpai/pai-telemetry/internal/watchdog"
)

const name = "watchdog"

func main() {
	logging.SetDefault(name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(run).Run(ctx, os.Args); err != nil {
		slog.Error("watchdog failed", "error", err)
		os.Exit(1)
	}
}

func newCommand(action func(context.Context, config.WatchdogConfig) error) *cli.Command {
	defaults := config.NewWatchdogConfig()
	return &cli.Command{
		Name:      name,
		Usage:     "Export OpenPAI cluster health from the Kubernetes API",
		ArgsUsage: "<api-server-uri>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log",
				Aliases: []string{"l"},
				Usage:   "directory for textfile collector output; empty disables it",
				Sources: cli.EnvVars("WATCHDOG_LOG_DIR"),
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
				Name:  "ca",
				Usage: "CA bundle used to verify the API server",
			},
			&cli.StringFlag{
				Name:  "bearer",
				Usage: "file holding the bearer token",
			},
			&cli.StringFlag{
				Name:    "hived-config",
				Usage:   "HiveD scheduler config used for virtual cluster quota",
				Sources: cli.EnvVars("WATCHDOG_HIVED_CONFIG"),
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "timeout of each API request",
				Value: defaults.RequestTimeout,
			},
			&cli.BoolFlag{
				Name:    "debug-endpoints",
				Usage:   "serve /debug/pprof and /debug/errors",
				Sources: cli.EnvVars("WATCHDOG_DEBUG_ENDPOINTS"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := defaults
			cfg.APIServerURL = cmd.Args().First()
			cfg.LogDir = cmd.String("log")
			cfg.Port = cmd.Int("port")
			cfg.Interval = time.Duration(cmd.Int("interval")) * time.Second
			cfg.CAFile = cmd.String("ca")
			cfg.BearerFile = cmd.String("bearer")
			cfg.HivedConfig = cmd.String("hived-config")
			cfg.RequestTimeout = cmd.Duration("request-timeout")
			cfg.DebugEndpoints = cmd.Bool("debug-endpoints")

			if err := cfg.Validate(); err != nil {
				return err
			}
			return action(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg config.WatchdogConfig) error {
	slog.Info("watchdog starting",
		"api_server", cfg.APIServerURL,
		"port", cfg.Port,
		"interval", cfg.Interval,
		"log_dir", cfg.LogDir,
		"hived_config", cfg.HivedConfig,
	)

	restConfig := watchdog.RESTConfig(&cfg)
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	caps, err := discovery.Detect(ctx, clientset, clientset.Discovery())
	if err != nil {
		slog.Warn("capability detection failed, assuming defaults", "error", err)
		caps = &discovery.Capabilities{}
	}
	slog.Info("cluster capabilities",
		"metrics_server", caps.MetricsServer,
		"list_pods", caps.ListPods,
		"list_nodes", caps.ListNodes,
		"missing", caps.Missing,
	)

	var quota map[watchdog.VCResource]float64
	if cfg.HivedConfig != "" {
		hived, err := watchdog.LoadHivedConfig(cfg.HivedConfig)
		if err != nil {
			return err
		}
		if quota, err = hived.Quota(); err != nil {
			return fmt.Errorf("hived config %s: %w", cfg.HivedConfig, err)
		}
		slog.Info("virtual cluster quota loaded", "entries", len(quota))
	}

	metrics := observability.NewMetrics()
	metrics.RegisterProbeMetrics()
	reporter := errors.NewReporter(clock.RealClock{}, metrics.ErrorsTotal)
	popts := []collector.PeriodicOption{collector.WithMetrics(metrics)}

	api := watchdog.NewClient(clientset, reporter)

	registry := collector.NewRegistry()
	registry.MustRegister(
		watchdog.NewObjectsCollector(api, quota, cfg.Interval, reporter, metrics, popts...),
		watchdog.NewHealthCollector(api, cfg.Interval, reporter, metrics, popts...),
	)

	if caps.MetricsServer {
		mc, err := metricsclientset.NewForConfig(restConfig)
		if err != nil {
			return fmt.Errorf("failed to create metrics client: %w", err)
		}
		registry.MustRegister(watchdog.NewUsageCollector(watchdog.NewMetricsAPI(mc.MetricsV1beta1()), cfg.Interval, reporter, popts...))
	}

	a := agent.New(agent.Options{
		Name:           name,
		Port:           cfg.Port,
		Interval:       cfg.Interval,
		DebugEndpoints: cfg.DebugEndpoints,
	}, registry, metrics, reporter)

	if path := cfg.Textfile(config.WatchdogTextfile); path != "" {
		w, err := textfile.NewWriter(path, metrics, registry.Sources()...)
		if err != nil {
			return fmt.Errorf("textfile %s: %w", config.WatchdogTextfile, err)
		}
		a.AddTextfile(w)
	}

	return a.Run(ctx)
}
