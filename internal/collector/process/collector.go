// Package process counts host processes stuck in uninterruptible sleep or
// left as zombies. Both usually point at a wedged driver or filesystem.
package process

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
)

// Info is the part of a process the collector looks at.
type Info struct {
	Pid   int32
	Name  string
	State string // "D" or "Z"; other states are ""
}

// Lister enumerates host processes.
type Lister interface {
	List(ctx context.Context) ([]Info, error)
}

type gopsutilLister struct{}

// NewLister returns a Lister backed by gopsutil.
func NewLister() Lister {
	return gopsutilLister{}
}

func (gopsutilLister) List(ctx context.Context) ([]Info, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		status, err := p.StatusWithContext(ctx)
		if err != nil || len(status) == 0 {
			// exited during the scan
			continue
		}
		state := stateCode(status[0])
		if state == "" {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Info{Pid: p.Pid, Name: name, State: state})
	}
	return out, nil
}

func stateCode(status string) string {
	switch status {
	case process.Blocked:
		return "D"
	case process.Zombie:
		return "Z"
	}
	return ""
}

// NewCollector creates the process collector.
func NewCollector(lister Lister, interval time.Duration, reporter *errors.Reporter, opts ...collector.PeriodicOption) *collector.Periodic {
	opts = append([]collector.PeriodicOption{collector.WithReporter(reporter)}, opts...)
	return collector.NewPeriodic("process", interval, func(ctx context.Context) (metric.Batch, error) {
		procs, err := lister.List(ctx)
		if err != nil {
			return nil, errors.New(errors.KindCommand, "process list", err)
		}
		return ToBatch(procs), nil
	}, opts...)
}

// ToBatch counts processes per state and command name.
func ToBatch(procs []Info) metric.Batch {
	b := metric.NewGauge("process_count", "Number of processes in uninterruptible sleep (D) or zombie (Z) state by command.")
	for _, p := range procs {
		if p.State == "" {
			continue
		}
		b.Add(map[string]string{"state": p.State, "cmd": p.Name}, 1)
	}
	return metric.Build(b)
}
