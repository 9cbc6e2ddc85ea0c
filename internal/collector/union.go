package collector

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openpai/pai-telemetry/internal/metric"
)

// Union is a prometheus.Collector over many Sources. At scrape time it
// reads whatever batch each source currently holds and emits it as const
// metrics; absent sources are skipped. It never triggers collection.
//
// Union is an unchecked collector: families are only known once collected.
// Duplicate samples across sources are reported by the registry on Gather.
type Union struct {
	sources []Source
}

// NewUnion creates a Union over sources.
func NewUnion(sources ...Source) *Union {
	return &Union{sources: sources}
}

// Describe sends nothing, making Union an unchecked collector.
func (u *Union) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (u *Union) Collect(ch chan<- prometheus.Metric) {
	for _, s := range u.sources {
		batch, ok := s.Latest()
		if !ok {
			continue
		}
		emit(ch, batch)
	}
}

func emit(ch chan<- prometheus.Metric, batch metric.Batch) {
	for _, f := range batch {
		vt := prometheus.GaugeValue
		if f.Type == metric.Counter {
			vt = prometheus.CounterValue
		}
		for _, m := range f.Metrics {
			names, values := splitLabels(m.Labels)
			desc := prometheus.NewDesc(f.Name, f.Help, names, nil)
			pm, err := prometheus.NewConstMetric(desc, vt, m.Value, values...)
			if err != nil {
				pm = prometheus.NewInvalidMetric(desc, err)
			}
			ch <- pm
		}
	}
}

func splitLabels(labels map[string]string) ([]string, []string) {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]string, len(names))
	for i, k := range names {
		values[i] = labels[k]
	}
	return names, values
}

// StaticSource serves a fixed batch. It backs textfiles written once, such
// as the configured GPU count.
type StaticSource struct {
	name  string
	batch metric.Batch
}

// NewStaticSource returns a Source that always serves batch.
func NewStaticSource(name string, batch metric.Batch) *StaticSource {
	return &StaticSource{name: name, batch: batch}
}

// Name returns the source name.
func (s *StaticSource) Name() string { return s.name }

// Latest returns the fixed batch.
func (s *StaticSource) Latest() (metric.Batch, bool) { return s.batch, true }
