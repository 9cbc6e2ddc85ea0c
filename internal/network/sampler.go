package network

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/command"
	"github.com/openpai/pai-telemetry/internal/errors"
)

// Window is the iftop sampling window. Connections shorter than it are
// under-counted.
const Window = 40 * time.Second

const (
	// sampleGetTimeout is how long a reader waits for a running sample.
	sampleGetTimeout = 3 * time.Second
	// sampleMaxStaleness keeps the last table for a few windows.
	sampleMaxStaleness = 3 * Window
)

// Sampler produces ConnectionTables for one interface. iftop blocks for the
// whole window, so it runs behind a cache.Singleton.
type Sampler struct {
	iface    string
	runner   command.Runner
	reporter *errors.Reporter
	cache    *cache.Singleton[ConnectionTable]
}

// NewSampler creates a Sampler for iface.
func NewSampler(iface string, runner command.Runner, reporter *errors.Reporter, opts ...cache.SingletonOption[ConnectionTable]) *Sampler {
	s := &Sampler{iface: iface, runner: runner, reporter: reporter}
	opts = append([]cache.SingletonOption[ConnectionTable]{cache.WithReporter[ConnectionTable](reporter)}, opts...)
	s.cache = cache.NewSingleton("iftop", s.sample, sampleGetTimeout, sampleMaxStaleness, opts...)
	return s
}

// Table returns the latest connection table, if one is fresh enough.
func (s *Sampler) Table(ctx context.Context) (ConnectionTable, bool) {
	return s.cache.TryGet(ctx)
}

func (s *Sampler) sample(ctx context.Context) (ConnectionTable, error) {
	out, err := s.runner.Run(ctx, "iftop",
		"-t", "-P", "-N", "-n", "-B",
		"-L", "10000",
		"-s", strconv.Itoa(int(Window/time.Second)),
		"-i", s.iface,
	)
	if err != nil {
		return nil, errors.New(errors.KindCommand, "iftop", err)
	}
	table, malformed := ParseIftop(out)
	if malformed > 0 {
		s.reporter.ReportKind(errors.KindParse, "iftop", fmt.Errorf("%d malformed rows", malformed))
	}
	return table, nil
}

// SocketReader lists the established local endpoints of every process in
// a network namespace by entering it through a member process.
type SocketReader struct {
	runner   command.Runner
	reporter *errors.Reporter
}

// NewSocketReader creates a SocketReader.
func NewSocketReader(runner command.Runner, reporter *errors.Reporter) *SocketReader {
	return &SocketReader{runner: runner, reporter: reporter}
}

// Sockets enters the network namespace of each pid and returns the union
// of what lsof lists there, keyed by the owning process. That includes
// processes other than pids when they share a namespace. A namespace that
// cannot be read contributes nothing.
func (r *SocketReader) Sockets(ctx context.Context, pids []int) ProcessSocketMap {
	result := make(ProcessSocketMap)
	for _, pid := range pids {
		out, err := r.runner.Run(ctx, "nsenter", "--target", strconv.Itoa(pid), "--net", "lsof", "-i", "-n", "-P")
		if err != nil {
			// lsof exits 1 when the namespace has no open internet sockets.
			if command.KindOf(err) == command.KindExit && len(out) == 0 {
				continue
			}
			r.reporter.ReportKind(errors.KindCommand, "lsof", err)
			continue
		}
		sockets, malformed := ParseLsof(out)
		if malformed > 0 {
			r.reporter.ReportKind(errors.KindParse, "lsof", fmt.Errorf("pid %d: %d malformed lines", pid, malformed))
		}
		result.Merge(sockets)
	}
	return result
}
