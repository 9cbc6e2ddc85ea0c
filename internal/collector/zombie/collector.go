package zombie

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/collector/container"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
)

// LogReader reads the log tail of a container.
type LogReader interface {
	Logs(ctx context.Context, id string, tail int) ([]byte, error)
}

// Collector counts zombie containers from what the container collector
// last saw. It implements collector.Collector and collector.Source.
type Collector struct {
	*collector.Periodic

	logs       LogReader
	containers *cache.AtomicRef[container.Containers]
	maxAge     time.Duration
	reporter   *errors.Reporter
	clock      clock.PassiveClock

	exited   *Recorder
	orphaned *Recorder
}

// NewCollector creates a zombie collector with the given decay window.
// A container snapshot older than maxAge is not trusted.
func NewCollector(logs LogReader, containers *cache.AtomicRef[container.Containers], interval, decay, maxAge time.Duration, reporter *errors.Reporter, clk clock.Clock, opts ...collector.PeriodicOption) *Collector {
	c := &Collector{
		logs:       logs,
		containers: containers,
		maxAge:     maxAge,
		reporter:   reporter,
		clock:      clk,
		exited:     NewRecorder(decay),
		orphaned:   NewRecorder(decay),
	}
	opts = append([]collector.PeriodicOption{collector.WithReporter(reporter), collector.WithClock(clk)}, opts...)
	c.Periodic = collector.NewPeriodic("zombie", interval, c.collect, opts...)
	return c
}

func (c *Collector) collect(ctx context.Context) (metric.Batch, error) {
	seen := c.containers.Get()
	now := c.clock.Now()

	if seen.ProducedAt.IsZero() {
		slog.Debug("zombie collector: no container snapshot yet")
		return nil, nil
	}
	if age := now.Sub(seen.ProducedAt); age >= c.maxAge {
		// Candidates were not observed continuously; windows restart.
		c.exited.Reset()
		c.orphaned.Reset()
		return nil, errors.New(errors.KindProducer, "zombie", fmt.Errorf("container snapshot is %s old", age.Round(time.Second)))
	}

	exited := sets.New[string]()
	unreadable := sets.New[string]()
	for id := range seen.Jobs {
		logs, err := c.logs.Logs(ctx, id, LogTail)
		if err != nil {
			c.reporter.ReportKind(errors.KindItem, "docker logs", err)
			unreadable.Insert(id)
			continue
		}
		if HasExited(logs) {
			exited.Insert(id)
		}
	}

	type1 := c.exited.Update(exited, unreadable, now)
	type2 := c.orphaned.Update(Orphans(seen.Names()), nil, now)
	if type1+type2 > 0 {
		slog.Info("zombie containers detected", "exited", type1, "orphaned", type2)
	}

	b := metric.NewGauge("zombie_container_count", "Number of job containers that should have terminated but are still alive.")
	b.Set(nil, float64(type1+type2))
	return metric.Build(b), nil
}
