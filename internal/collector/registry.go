package collector

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry owns the collectors of one daemon. Names are unique: they label
// the self metrics and the error reporter.
type Registry struct {
	mu         sync.Mutex
	collectors []Collector
	names      map[string]struct{}
	running    bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds collectors in order. A duplicate name is rejected and
// nothing from the call is added.
func (r *Registry) Register(cs ...Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		name := c.Name()
		if _, dup := r.names[name]; dup {
			return fmt.Errorf("collector %q already registered", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("collector %q registered twice", name)
		}
		seen[name] = struct{}{}
	}
	for _, c := range cs {
		r.names[c.Name()] = struct{}{}
		r.collectors = append(r.collectors, c)
	}
	return nil
}

// MustRegister is Register that panics on a duplicate name.
func (r *Registry) MustRegister(cs ...Collector) {
	if err := r.Register(cs...); err != nil {
		panic(err)
	}
}

// PartialStartError is returned when some, but not all, collectors failed
// to start. The daemon keeps serving what the others produce.
type PartialStartError struct {
	Failed []string
	Total  int
}

func (e *PartialStartError) Error() string {
	return fmt.Sprintf("%d of %d collectors failed to start: %s", len(e.Failed), e.Total, strings.Join(e.Failed, ", "))
}

// StartAll starts every collector concurrently. It returns a
// PartialStartError when some fail and a plain error when all fail.
func (r *Registry) StartAll(ctx context.Context) error {
	collectors := r.snapshot()
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	if len(collectors) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	for _, c := range collectors {
		g.Go(func() error {
			if err := c.Start(ctx); err != nil {
				slog.Error("collector failed to start", "collector", c.Name(), "error", err)
				mu.Lock()
				failed = append(failed, c.Name())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(failed)
	switch len(failed) {
	case 0:
		return nil
	case len(collectors):
		return fmt.Errorf("all %d collectors failed to start", len(failed))
	default:
		return &PartialStartError{Failed: failed, Total: len(collectors)}
	}
}

// WaitForSync blocks until every collector has finished its first
// iteration or ctx ends. On timeout the error names the collectors still
// pending.
func (r *Registry) WaitForSync(ctx context.Context) error {
	collectors := r.snapshot()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range collectors {
		g.Go(func() error {
			return c.WaitForSync(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		if pending := r.Pending(); len(pending) > 0 {
			return fmt.Errorf("collectors not synced (%s): %w", strings.Join(pending, ", "), err)
		}
		return fmt.Errorf("collector sync failed: %w", err)
	}
	return nil
}

// StopAll stops the collectors in reverse registration order, so a
// collector is stopped before the ones it reads from. Calling it again, or
// before StartAll, does nothing.
func (r *Registry) StopAll() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	collectors := r.snapshot()
	for i := len(collectors) - 1; i >= 0; i-- {
		collectors[i].Stop()
	}
}

// Pending returns the names of collectors that have not finished a first
// iteration. Collectors that cannot tell are never pending. It never blocks.
func (r *Registry) Pending() []string {
	var out []string
	for _, c := range r.snapshot() {
		if s, ok := c.(interface{ Synced() bool }); ok && !s.Synced() {
			out = append(out, c.Name())
		}
	}
	return out
}

// Sources returns the registered collectors that expose batches.
func (r *Registry) Sources() []Source {
	var out []Source
	for _, c := range r.snapshot() {
		if s, ok := c.(Source); ok {
			out = append(out, s)
		}
	}
	return out
}

// Collectors returns the registered collectors in registration order.
func (r *Registry) Collectors() []Collector {
	return r.snapshot()
}

func (r *Registry) snapshot() []Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.collectors)
}
