package errors

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

// Kind classifies a collection failure. It is the value of the "type" label
// on process_error_log_total.
type Kind string

// Failure kinds.
const (
	KindCommand  Kind = "command"  // external tool exited non-zero, timed out or failed to start
	KindParse    Kind = "parse"    // tool or API output could not be parsed
	KindAPI      Kind = "api"      // cluster API request failed
	KindProbe    Kind = "probe"    // health endpoint probe failed
	KindProducer Kind = "producer" // cached producer failed or panicked
	KindItem     Kind = "item"     // a single pod/node/container was skipped
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// CollectError is a typed collection failure with the component that hit it.
type CollectError struct {
	Kind      Kind
	Component string
	Err       error
}

// New wraps err as a CollectError.
func New(kind Kind, component string, err error) *CollectError {
	return &CollectError{Kind: kind, Component: component, Err: err}
}

// Error implements the error interface.
func (e *CollectError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error in " + e.Component
	}
	return e.Component + ": " + e.Err.Error()
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *CollectError) Unwrap() error {
	return e.Err
}

// ActiveError is the last error seen for one Kind and Component.
type ActiveError struct {
	Kind      Kind   `json:"kind"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Count     int    `json:"count"`
	LastSeen  int64  `json:"last_seen"`
}

type entry struct {
	err        ActiveError
	lastReport time.Time
}

// Reporter logs collection failures, counts them by kind and remembers the
// most recent one per Kind+Component. Entries auto-expire after 5 minutes
// if not re-reported.
type Reporter struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	counter *prometheus.CounterVec
	entries map[string]entry // key = string(Kind) + "|" + Component
}

// NewReporter creates a Reporter. counter may be nil, in which case failures
// are only logged and remembered.
func NewReporter(clk clock.PassiveClock, counter *prometheus.CounterVec) *Reporter {
	return &Reporter{
		clock:   clk,
		counter: counter,
		entries: make(map[string]entry),
	}
}

func key(kind Kind, component string) string {
	return string(kind) + "|" + component
}

// Report records a failure. Errors that are not a *CollectError are
// accounted as KindProducer.
func (r *Reporter) Report(err error) {
	if err == nil {
		return
	}
	ce, ok := err.(*CollectError)
	if !ok {
		ce = &CollectError{Kind: KindProducer, Component: "unknown", Err: err}
	}
	r.ReportKind(ce.Kind, ce.Component, ce)
}

// ReportKind records a failure of the given kind for component.
func (r *Reporter) ReportKind(kind Kind, component string, err error) {
	slog.Warn("collection error", "type", kind, "component", component, "error", err)
	if r == nil {
		return
	}
	if r.counter != nil {
		r.counter.WithLabelValues(string(kind)).Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	k := key(kind, component)
	e := r.entries[k]
	e.err = ActiveError{
		Kind:      kind,
		Component: component,
		Message:   err.Error(),
		Count:     e.err.Count + 1,
		LastSeen:  now.UnixMilli(),
	}
	e.lastReport = now
	r.entries[k] = e
}

// ActiveErrors returns all errors reported within the TTL window.
func (r *Reporter) ActiveErrors() []ActiveError {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	result := make([]ActiveError, 0, len(r.entries))
	for k, e := range r.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(r.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	return result
}

// Clear removes all tracked errors.
func (r *Reporter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]entry)
}
