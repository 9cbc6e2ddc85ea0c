package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/errors"
)

// Producer computes a fresh value. It may be slow or hang.
type Producer[T any] func(ctx context.Context) (T, error)

// Singleton runs at most one Producer call at a time and serves its most
// recent result, tolerating staleness up to maxStaleness.
//
// A producer that never returns keeps the slot busy forever; TryGet then
// degrades to absent once the last good value is older than maxStaleness.
// Producers are never cancelled.
type Singleton[T any] struct {
	name         string
	producer     Producer[T]
	getTimeout   time.Duration
	maxStaleness time.Duration
	clock        clock.Clock
	reporter     *errors.Reporter

	mu         sync.Mutex
	busy       bool
	done       chan struct{} // closed when the in-flight fetch finishes
	value      T
	producedAt time.Time
	has        bool
}

// SingletonOption configures a Singleton.
type SingletonOption[T any] func(*Singleton[T])

// WithClock overrides the clock used for timeouts and staleness.
func WithClock[T any](c clock.Clock) SingletonOption[T] {
	return func(s *Singleton[T]) { s.clock = c }
}

// WithReporter sets the reporter that receives producer failures.
func WithReporter[T any](r *errors.Reporter) SingletonOption[T] {
	return func(s *Singleton[T]) { s.reporter = r }
}

// NewSingleton creates a Singleton around producer.
func NewSingleton[T any](name string, producer Producer[T], getTimeout, maxStaleness time.Duration, opts ...SingletonOption[T]) *Singleton[T] {
	s := &Singleton[T]{
		name:         name,
		producer:     producer,
		getTimeout:   getTimeout,
		maxStaleness: maxStaleness,
		clock:        clock.RealClock{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TryGet starts a fetch if none is running, waits up to getTimeout for it
// and returns the freshest value that is younger than maxStaleness.
// The second return value is false when no such value exists.
func (s *Singleton[T]) TryGet(ctx context.Context) (T, bool) {
	s.mu.Lock()
	if !s.busy {
		s.busy = true
		s.done = make(chan struct{})
		go s.produce(s.done)
	}
	done := s.done
	s.mu.Unlock()

	timer := s.clock.NewTimer(s.getTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C():
		slog.Debug("producer did not finish in time, using cached value", "producer", s.name, "timeout", s.getTimeout)
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has && s.clock.Since(s.producedAt) < s.maxStaleness {
		return s.value, true
	}
	var zero T
	return zero, false
}

// Busy reports whether a fetch is in flight.
func (s *Singleton[T]) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Singleton[T]) produce(done chan struct{}) {
	var (
		v   T
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
		s.mu.Lock()
		if err == nil {
			s.value = v
			s.producedAt = s.clock.Now()
			s.has = true
		}
		s.busy = false
		close(done)
		s.mu.Unlock()

		if err != nil {
			if _, ok := err.(*errors.CollectError); !ok {
				err = errors.New(errors.KindProducer, s.name, err)
			}
			s.reporter.Report(err)
		}
	}()

	v, err = s.producer(context.Background())
}
