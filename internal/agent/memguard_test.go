package agent

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func testGuard(used uint64, limit int64, released *atomic.Int32) *memoryGuard {
	g := newMemoryGuard(0.8, time.Second)
	g.footprint = func() uint64 { return used }
	g.limit = func() int64 { return limit }
	g.release = func() { released.Add(1) }
	return g
}

func TestMemoryGuard_Tick(t *testing.T) {
	tests := []struct {
		name  string
		used  uint64
		limit int64
		want  bool
	}{
		{"above ratio", 90, 100, true},
		{"at ratio", 80, 100, false},
		{"below ratio", 50, 100, false},
		{"no limit", 1 << 40, math.MaxInt64, false},
		{"zero limit", 1 << 40, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var released atomic.Int32
			g := testGuard(tt.used, tt.limit, &released)
			assert.Equal(t, tt.want, g.tick())
			assert.Equal(t, tt.want, released.Load() == 1)
		})
	}
}

func TestMemoryGuard_RunReleasesOnTick(t *testing.T) {
	var released atomic.Int32
	g := testGuard(95, 100, &released)
	clk := clocktesting.NewFakeClock(time.Now())
	g.clock = clk

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.run(ctx)
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, 5*time.Millisecond)
	assert.Zero(t, released.Load())
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return released.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
