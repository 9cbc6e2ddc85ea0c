// Package dockerd reports whether the docker daemon answers and, when a
// systemd unit is configured, the unit's active state.
package dockerd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/command"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
)

// UnitStateReader returns the ActiveState of a systemd unit.
type UnitStateReader interface {
	ActiveState(ctx context.Context, unit string) (string, error)
}

type systemdReader struct{}

// NewSystemdReader returns a UnitStateReader that talks to systemd over
// D-Bus.
func NewSystemdReader() UnitStateReader {
	return systemdReader{}
}

func (systemdReader) ActiveState(ctx context.Context, unit string) (string, error) {
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetAllPropertiesContext(ctx, unit)
	if err != nil {
		return "", fmt.Errorf("failed to get unit properties: %w", err)
	}
	state, ok := props["ActiveState"].(string)
	if !ok {
		return "", fmt.Errorf("unit %s has no ActiveState", unit)
	}
	return state, nil
}

// probeTimeout bounds `docker info`. A daemon that does not answer within
// it is reported as "timeout".
const probeTimeout = 10 * time.Second

// Collector probes the docker daemon with `docker info`.
type Collector struct {
	*collector.Periodic

	runner   command.Runner
	units    UnitStateReader
	unit     string
	reporter *errors.Reporter
}

// NewCollector creates a docker daemon collector. units and unit may be
// empty to skip the systemd check.
func NewCollector(runner command.Runner, units UnitStateReader, unit string, interval time.Duration, reporter *errors.Reporter, opts ...collector.PeriodicOption) *Collector {
	c := &Collector{runner: runner, units: units, unit: unit, reporter: reporter}
	opts = append([]collector.PeriodicOption{collector.WithReporter(reporter)}, opts...)
	c.Periodic = collector.NewPeriodic("dockerd", interval, c.collect, opts...)
	return c
}

func (c *Collector) collect(ctx context.Context) (metric.Batch, error) {
	count := metric.NewGauge("docker_daemon_count", "1 labelled with the outcome of the last docker info probe.")
	active := metric.NewGauge("docker_daemon_unit_active", "1 labelled with the systemd ActiveState of the docker unit.")

	outcome := "ok"
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	_, err := c.runner.Run(probeCtx, "docker", "info")
	cancel()
	if err != nil {
		outcome = string(command.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		c.reporter.ReportKind(errors.KindCommand, "docker info", err)
	}
	count.Set(map[string]string{"error": outcome}, 1)

	if c.units != nil && c.unit != "" {
		state, err := c.units.ActiveState(ctx, c.unit)
		if err != nil {
			c.reporter.ReportKind(errors.KindCommand, "systemd", err)
		} else {
			active.Set(map[string]string{"unit": c.unit, "state": state}, 1)
		}
	}

	return metric.Build(count, active), nil
}
