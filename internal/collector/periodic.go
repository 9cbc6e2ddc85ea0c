package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
	"github.com/openpai/pai-telemetry/internal/observability"
)

// CollectFunc produces one batch. A returned error discards the iteration;
// the previous batch keeps being served until it goes stale.
type CollectFunc func(ctx context.Context) (metric.Batch, error)

// Snapshot is a batch with its production time.
type Snapshot struct {
	Batch      metric.Batch
	ProducedAt time.Time
}

// Periodic runs a CollectFunc in its own goroutine, sleeping interval after
// every iteration, and publishes each successful batch through an AtomicRef.
// It implements Collector and Source.
type Periodic struct {
	name         string
	interval     time.Duration
	maxStaleness time.Duration
	collect      CollectFunc
	reporter     *errors.Reporter
	metrics      *observability.Metrics
	clock        clock.Clock

	snapshot *cache.AtomicRef[Snapshot]

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  chan struct{}

	syncOnce sync.Once
	synced   chan struct{}
}

// PeriodicOption configures a Periodic.
type PeriodicOption func(*Periodic)

// WithClock overrides the clock used for sleeping and staleness.
func WithClock(c clock.Clock) PeriodicOption {
	return func(p *Periodic) { p.clock = c }
}

// WithMaxStaleness sets how long a batch is served after it was produced.
// The default is three intervals.
func WithMaxStaleness(d time.Duration) PeriodicOption {
	return func(p *Periodic) { p.maxStaleness = d }
}

// WithReporter sets the error reporter for failed iterations.
func WithReporter(r *errors.Reporter) PeriodicOption {
	return func(p *Periodic) { p.reporter = r }
}

// WithMetrics enables the iteration duration and outcome metrics.
func WithMetrics(m *observability.Metrics) PeriodicOption {
	return func(p *Periodic) { p.metrics = m }
}

// NewPeriodic creates a Periodic collector named name.
func NewPeriodic(name string, interval time.Duration, collect CollectFunc, opts ...PeriodicOption) *Periodic {
	p := &Periodic{
		name:         name,
		interval:     interval,
		maxStaleness: 3 * interval,
		collect:      collect,
		clock:        clock.RealClock{},
		snapshot:     cache.NewAtomicRef(Snapshot{}),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		started:      make(chan struct{}),
		synced:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the collector name.
func (p *Periodic) Name() string { return p.name }

// Start launches the background loop. It must be called at most once.
func (p *Periodic) Start(ctx context.Context) error {
	close(p.started)
	go p.run(ctx)
	return nil
}

// WaitForSync blocks until the first iteration finishes, whether or not it
// succeeded, or the context is canceled.
func (p *Periodic) WaitForSync(ctx context.Context) error {
	select {
	case <-p.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Synced reports whether the first iteration has finished.
func (p *Periodic) Synced() bool {
	select {
	case <-p.synced:
		return true
	default:
		return false
	}
}

// Stop signals the loop to stop and waits for it to exit. An iteration in
// progress is not interrupted.
func (p *Periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.started:
		<-p.done
	default:
	}
}

// Latest returns the last successful batch if it is younger than the
// maximum staleness.
func (p *Periodic) Latest() (metric.Batch, bool) {
	s := p.snapshot.Get()
	if s.ProducedAt.IsZero() || p.clock.Since(s.ProducedAt) >= p.maxStaleness {
		return nil, false
	}
	return s.Batch, true
}

func (p *Periodic) run(ctx context.Context) {
	defer close(p.done)

	for {
		p.iterate(ctx)
		p.syncOnce.Do(func() { close(p.synced) })

		timer := p.clock.NewTimer(p.interval)
		select {
		case <-timer.C():
		case <-p.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// iterate runs one collection with error and panic isolation.
func (p *Periodic) iterate(ctx context.Context) {
	start := p.clock.Now()
	batch, err := p.safeCollect(ctx)
	elapsed := p.clock.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		p.report(err)
	} else {
		p.snapshot.Set(Snapshot{Batch: batch, ProducedAt: p.clock.Now()})
		slog.Debug("collector iteration complete", "collector", p.name, "samples", batch.Len(), "duration", elapsed)
	}

	if p.metrics != nil {
		p.metrics.CollectorDuration.WithLabelValues(p.name).Observe(elapsed.Seconds())
		p.metrics.CollectorIterations.WithLabelValues(p.name, status).Inc()
	}
}

func (p *Periodic) safeCollect(ctx context.Context) (batch metric.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.KindProducer, p.name, fmt.Errorf("collector panic: %v", r))
		}
	}()
	return p.collect(ctx)
}

func (p *Periodic) report(err error) {
	if _, ok := err.(*errors.CollectError); !ok {
		err = errors.New(errors.KindProducer, p.name, err)
	}
	p.reporter.Report(err)
}
