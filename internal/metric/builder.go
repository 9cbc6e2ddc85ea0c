package metric

import (
	"sort"
)

// FamilyBuilder accumulates samples for one family within a single tick.
// Identical label sets are merged, never emitted twice.
type FamilyBuilder struct {
	name    string
	help    string
	typ     Type
	samples map[string]*Metric
}

// NewGauge returns a builder for a gauge family.
func NewGauge(name, help string) *FamilyBuilder {
	return &FamilyBuilder{name: name, help: help, typ: Gauge, samples: make(map[string]*Metric)}
}

// NewCounter returns a builder for a counter family.
func NewCounter(name, help string) *FamilyBuilder {
	return &FamilyBuilder{name: name, help: help, typ: Counter, samples: make(map[string]*Metric)}
}

// Name returns the family name.
func (b *FamilyBuilder) Name() string { return b.name }

// Add sums v into the sample with the given labels. Used for count gauges.
func (b *FamilyBuilder) Add(labels map[string]string, v float64) {
	k := renderLabels(labels)
	if s, ok := b.samples[k]; ok {
		s.Value += v
		return
	}
	m := New(b.name, labels, v)
	b.samples[k] = &m
}

// Set overwrites the sample with the given labels.
func (b *FamilyBuilder) Set(labels map[string]string, v float64) {
	k := renderLabels(labels)
	m := New(b.name, labels, v)
	b.samples[k] = &m
}

// Len returns the number of distinct samples.
func (b *FamilyBuilder) Len() int { return len(b.samples) }

// Family returns the built family with samples ordered by their labels.
func (b *FamilyBuilder) Family() Family {
	keys := make([]string, 0, len(b.samples))
	for k := range b.samples {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := Family{Name: b.name, Help: b.help, Type: b.typ, Metrics: make([]Metric, 0, len(keys))}
	for _, k := range keys {
		f.Metrics = append(f.Metrics, *b.samples[k])
	}
	return f
}

// Build collects the families of all builders, skipping empty ones.
func Build(builders ...*FamilyBuilder) Batch {
	out := make(Batch, 0, len(builders))
	for _, b := range builders {
		if b.Len() == 0 {
			continue
		}
		out = append(out, b.Family())
	}
	return out
}
