package textfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/metric"
	"github.com/openpai/pai-telemetry/internal/observability"
)

func gpuBatch(v float64) metric.Batch {
	g := metric.NewGauge("configured_gpu_count", "Number of GPUs configured on the node.")
	g.Set(nil, v)
	return metric.Build(g)
}

func TestNewWriter_RemovesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configured_gpu.prom")
	require.NoError(t, os.WriteFile(path, []byte("configured_gpu_count 99\n"), 0o644))

	_, err := NewWriter(path, nil)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configured_gpu.prom")
	m := observability.NewMetrics()

	w, err := NewWriter(path, m, collector.NewStaticSource("gpu", gpuBatch(4)))
	require.NoError(t, err)
	require.NoError(t, w.Write())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "configured_gpu_count 4")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TextfileWrites.WithLabelValues("configured_gpu.prom", "ok")))
}

func TestWriter_WriteFailureCounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "job_exporter.prom")
	m := observability.NewMetrics()

	w, err := NewWriter(path, m)
	require.NoError(t, err)
	assert.Error(t, w.Write())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TextfileWrites.WithLabelValues("job_exporter.prom", "error")))
}

type switchSource struct {
	batch *cache.AtomicRef[metric.Batch]
}

func (s *switchSource) Name() string { return "switch" }

func (s *switchSource) Latest() (metric.Batch, bool) {
	b := s.batch.Get()
	return b, b != nil
}

func fileContains(path, sub string) bool {
	data, err := os.ReadFile(path)
	return err == nil && strings.Contains(string(data), sub)
}

func TestWriter_RunRewritesEachTick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpu_exporter.prom")
	src := &switchSource{batch: cache.NewAtomicRef(gpuBatch(1))}
	clk := clocktesting.NewFakeClock(time.Now())

	w, err := NewWriter(path, nil, src)
	require.NoError(t, err)
	w.clock = clk

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, time.Minute)
	}()

	require.Eventually(t, func() bool {
		return fileContains(path, "configured_gpu_count 1") && clk.HasWaiters()
	}, 2*time.Second, 10*time.Millisecond)

	src.batch.Set(gpuBatch(2))
	clk.Step(time.Minute)

	require.Eventually(t, func() bool {
		return fileContains(path, "configured_gpu_count 2")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
