// Package textfile keeps .prom files in the textfile collector format up
// to date for scrapers that read metrics from disk.
package textfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/observability"
)

// Writer renders a set of sources into one file.
type Writer struct {
	path     string
	gatherer prometheus.Gatherer
	metrics  *observability.Metrics
	clock    clock.Clock
}

// NewWriter creates a Writer for path and removes any file left by a
// previous run, so a file-based scraper never reads stale values.
func NewWriter(path string, m *observability.Metrics, sources ...collector.Source) (*Writer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale textfile: %w", err)
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector.NewUnion(sources...)); err != nil {
		return nil, fmt.Errorf("register textfile sources: %w", err)
	}
	return &Writer{path: path, gatherer: reg, metrics: m, clock: clock.RealClock{}}, nil
}

// Path returns the file the writer maintains.
func (w *Writer) Path() string { return w.path }

// Write renders the current contents of every source. The file is replaced
// atomically.
func (w *Writer) Write() error {
	err := prometheus.WriteToTextfile(w.path, w.gatherer)
	if w.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		w.metrics.TextfileWrites.WithLabelValues(filepath.Base(w.path), status).Inc()
	}
	return err
}

// Run rewrites the file every interval until ctx is canceled. Failures are
// logged and retried on the next tick.
func (w *Writer) Run(ctx context.Context, interval time.Duration) error {
	for {
		if err := w.Write(); err != nil {
			slog.Warn("failed to write textfile", "path", w.path, "error", err)
		}

		timer := w.clock.NewTimer(interval)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}
