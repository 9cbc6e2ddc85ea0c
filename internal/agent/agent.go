// Package agent runs a metrics daemon: it starts the collectors, serves
// the union of their snapshots over HTTP, keeps textfiles current and
// shuts everything down when the context ends.
package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/health"
	"github.com/openpai/pai-telemetry/internal/observability"
	"github.com/openpai/pai-telemetry/internal/textfile"
)

const (
	defaultSyncTimeout     = 2 * time.Minute
	shutdownTimeout        = 5 * time.Second
	memoryPressureRatio    = 0.8
	memoryPressureInterval = 30 * time.Second
)

// Options configures an Agent.
type Options struct {
	Name           string
	Port           int
	Interval       time.Duration // textfile rewrite interval
	DebugEndpoints bool
	SyncTimeout    time.Duration
}

// Agent owns the process lifecycle of one daemon.
type Agent struct {
	opts     Options
	registry *collector.Registry
	metrics  *observability.Metrics
	reporter *errors.Reporter
	server   *health.Server
	writers  []*textfile.Writer
}

// New creates an Agent and registers the union of every collector in
// registry, plus extra sources, on the metrics registry. Collectors must be
// registered before New is called.
func New(opts Options, registry *collector.Registry, metrics *observability.Metrics, reporter *errors.Reporter, extra ...collector.Source) *Agent {
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	sources := append(registry.Sources(), extra...)
	metrics.Registry.MustRegister(collector.NewUnion(sources...))

	return &Agent{
		opts:     opts,
		registry: registry,
		metrics:  metrics,
		reporter: reporter,
		server:   health.NewServer(health.Config{Port: opts.Port, Debug: opts.DebugEndpoints}, metrics, registry, reporter),
	}
}

// AddTextfile keeps w rewritten every interval while the agent runs.
func (a *Agent) AddTextfile(w *textfile.Writer) {
	a.writers = append(a.writers, w)
}

// Addr returns the HTTP listen address.
func (a *Agent) Addr() string {
	return a.server.Addr()
}

// Run starts collectors and the HTTP server and blocks until ctx is
// canceled. Only a failure to start is returned; collection errors never
// end the process.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registry.StartAll(ctx); err != nil {
		var partial *collector.PartialStartError
		if !stderrors.As(err, &partial) {
			return fmt.Errorf("failed to start collectors: %w", err)
		}
		slog.Warn("some collectors failed to start, continuing with partial data",
			"failed", partial.Failed, "total", partial.Total)
	}
	defer a.registry.StopAll()

	if err := a.server.Start(); err != nil {
		return err
	}
	slog.Info("serving metrics", "name", a.opts.Name, "addr", a.server.Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.waitForSync(gctx)
		return nil
	})

	guard := newMemoryGuard(memoryPressureRatio, memoryPressureInterval)
	g.Go(func() error {
		guard.run(gctx)
		return nil
	})

	for _, w := range a.writers {
		slog.Info("maintaining textfile", "path", w.Path(), "interval", a.opts.Interval)
		g.Go(func() error {
			return w.Run(gctx, a.opts.Interval)
		})
	}

	<-ctx.Done()
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.server.Stop(shutdownCtx); serr != nil {
		slog.Error("http server shutdown error", "error", serr)
	}

	slog.Info("stopped", "name", a.opts.Name)
	return err
}

func (a *Agent) waitForSync(ctx context.Context) {
	start := time.Now()
	syncCtx, cancel := context.WithTimeout(ctx, a.opts.SyncTimeout)
	defer cancel()

	if err := a.registry.WaitForSync(syncCtx); err != nil {
		if ctx.Err() == nil {
			slog.Warn("collectors not synced, serving partial data",
				"error", err, "timeout", a.opts.SyncTimeout)
		}
		return
	}
	slog.Info("all collectors synced", "elapsed", time.Since(start).Round(time.Millisecond))
}
