// Package zombie detects job containers that should have terminated but
// are still alive.
package zombie

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Recorder tracks zombie candidates and reports only those observed
// continuously for longer than the decay window. It is not safe for
// concurrent use; it belongs to one collector loop.
type Recorder struct {
	decay time.Duration
	ids   map[string]time.Time // id -> first observed
}

// NewRecorder creates a Recorder with the given decay window.
func NewRecorder(decay time.Duration) *Recorder {
	return &Recorder{decay: decay, ids: make(map[string]time.Time)}
}

// Update replaces the tracked set with candidates, keeping the first
// observation time of ids seen before, and returns how many tracked ids have
// been observed for longer than the decay window. Ids in unknown could not
// be checked this round: a tracked one keeps its first observation and
// still counts, an untracked one is not added.
func (r *Recorder) Update(candidates, unknown sets.Set[string], now time.Time) int {
	for id := range r.ids {
		if !candidates.Has(id) && !unknown.Has(id) {
			delete(r.ids, id)
		}
	}
	for id := range candidates {
		if _, ok := r.ids[id]; !ok {
			r.ids[id] = now
		}
	}
	count := 0
	for _, first := range r.ids {
		if now.Sub(first) > r.decay {
			count++
		}
	}
	return count
}

// Reset forgets every candidate. Windows start over on the next Update.
func (r *Recorder) Reset() {
	clear(r.ids)
}

// Len returns the number of tracked candidates.
func (r *Recorder) Len() int {
	return len(r.ids)
}
