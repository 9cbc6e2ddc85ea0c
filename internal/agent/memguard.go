package agent

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"k8s.io/utils/clock"
)

// memoryGuard returns memory to the OS once the footprint passes ratio of
// GOMEMLIMIT. Inspecting many containers at once spikes the heap and the
// daemon shares the node with the jobs it watches.
type memoryGuard struct {
	ratio    float64
	interval time.Duration
	clock    clock.WithTicker

	footprint func() uint64
	limit     func() int64
	release   func()
}

func newMemoryGuard(ratio float64, interval time.Duration) *memoryGuard {
	return &memoryGuard{
		ratio:     ratio,
		interval:  interval,
		clock:     clock.RealClock{},
		footprint: footprint,
		limit:     func() int64 { return debug.SetMemoryLimit(-1) },
		release:   freeMemory,
	}
}

func (g *memoryGuard) run(ctx context.Context) {
	t := g.clock.NewTicker(g.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			g.tick()
		}
	}
}

// tick releases memory when over the limit and reports whether it did.
// Without GOMEMLIMIT it never does.
func (g *memoryGuard) tick() bool {
	limit := g.limit()
	if limit <= 0 || limit == math.MaxInt64 {
		return false
	}
	used := g.footprint()
	if float64(used) <= g.ratio*float64(limit) {
		return false
	}
	slog.Warn("memory footprint near limit, releasing", "bytes", used, "limit", limit)
	g.release()
	return true
}

func footprint() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys - m.HeapReleased
}

func freeMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
