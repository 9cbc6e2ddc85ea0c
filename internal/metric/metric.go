// Package metric defines the metric records produced by every collector and
// their Prometheus text rendering.
package metric

import (
	"maps"
	"sort"
	"strconv"
	"strings"
)

// Type is the Prometheus type of a metric family.
type Type int

// Supported family types.
const (
	Gauge Type = iota
	Counter
)

func (t Type) String() string {
	if t == Counter {
		return "counter"
	}
	return "gauge"
}

// Metric is a single sample. Its identity is Name plus Labels.
type Metric struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// New returns a Metric with a copy of labels.
func New(name string, labels map[string]string, value float64) Metric {
	return Metric{Name: name, Labels: maps.Clone(labels), Value: value}
}

// Equal reports whether m and o have the same name, label set and value.
func (m Metric) Equal(o Metric) bool {
	return m.Name == o.Name && m.Value == o.Value && maps.Equal(m.Labels, o.Labels)
}

// Key returns the identity of the metric: name plus sorted labels.
func (m Metric) Key() string {
	return m.Name + renderLabels(m.Labels)
}

// String renders the sample in the Prometheus text exposition format:
//
//	name{k="v",...} value
//
// The label segment is omitted when there are no labels.
func (m Metric) String() string {
	return m.Name + renderLabels(m.Labels) + " " + FormatValue(m.Value)
}

// FormatValue renders a sample value the way the exposition format expects.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(labels[k]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

// Family is a named group of samples sharing help text and type.
type Family struct {
	Name    string
	Help    string
	Type    Type
	Metrics []Metric
}

// Batch is the output of one collector iteration.
type Batch []Family

// Len returns the total number of samples in the batch.
func (b Batch) Len() int {
	n := 0
	for _, f := range b {
		n += len(f.Metrics)
	}
	return n
}

// Find returns the family with the given name.
func (b Batch) Find(name string) (Family, bool) {
	for _, f := range b {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// String renders the batch as exposition text with HELP and TYPE headers.
func (b Batch) String() string {
	var sb strings.Builder
	for _, f := range b {
		if f.Help != "" {
			sb.WriteString("# HELP " + f.Name + " " + f.Help + "\n")
		}
		sb.WriteString("# TYPE " + f.Name + " " + f.Type.String() + "\n")
		for _, m := range f.Metrics {
			sb.WriteString(m.String())
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
