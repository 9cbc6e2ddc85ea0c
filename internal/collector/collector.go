// Package collector runs the periodic collection loops of a daemon and
// serves their latest batches to Prometheus and the textfile writers.
package collector

import (
	"context"

	"github.com/openpai/pai-telemetry/internal/metric"
)

// Collector is one collection loop, such as "gpu", "container" or
// "k8s-objects". A Registry drives its lifecycle.
type Collector interface {
	Name() string
	// Start launches the loop. The first iteration runs immediately.
	Start(ctx context.Context) error
	// WaitForSync blocks until the first iteration finished or ctx ends.
	WaitForSync(ctx context.Context) error
	// Stop ends the loop and waits for it to exit.
	Stop()
}

// Source exposes the latest batch of a collector. Latest never waits for
// an iteration; false means nothing fresh enough to serve.
type Source interface {
	Name() string
	Latest() (metric.Batch, bool)
}
