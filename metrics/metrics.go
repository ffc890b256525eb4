// Package metrics implements the write-only counters and metrics sink of the computation client.
//
// Counters count events. Metrics accumulate samples (durations, byte sizes) and keep their count, total and
// last value. Both are created on first use and live for the lifetime of their Registry.
package metrics

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Names of the counters and metrics recorded by the client.
const (
	TransferToDevice       = "TransferToDevice"
	TransferFromDevice     = "TransferFromDevice"
	CopyToDevice           = "CopyToDevice"
	Compile                = "Compile"
	Execute                = "Execute"
	ExecuteReplicated      = "ExecuteReplicated"
	DeconstructTuple       = "DeconstructTuple"
	CreateDataHandles      = "CreateDataHandles"
	CreateAsyncDataHandles = "CreateAsyncDataHandles"
	ReleaseDataHandles     = "ReleaseDataHandles"
	DestroyDataHandles     = "DestroyDataHandles"
	ReleaseDataHandlesTime = "ReleaseDataHandlesTime"
	CreateCompileHandles   = "CreateCompileHandles"
	ReleaseCompileHandles  = "ReleaseCompileHandles"
	DestroyCompileHandles  = "DestroyCompileHandles"
	InboundData            = "InboundData"
	OutboundData           = "OutboundData"
	CacheHits              = "CacheHits"
	CacheMisses            = "CacheMisses"
	ReleaseFailures        = "ReleaseFailures"
)

// Unit of the samples of a Metric, used for formatting.
type Unit int

const (
	UnitCount Unit = iota
	UnitTime       // Samples are nanoseconds.
	UnitBytes
)

// Counter is a monotonic event counter, safe for concurrent use.
type Counter struct {
	name  string
	value atomic.Int64
}

// Name of the counter.
func (c *Counter) Name() string { return c.name }

// Add n to the counter.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Inc is a shortcut to Add(1).
func (c *Counter) Inc() { c.value.Add(1) }

// Value returns the current value of the counter.
func (c *Counter) Value() int64 { return c.value.Load() }

// Metric accumulates samples, safe for concurrent use.
type Metric struct {
	name string
	unit Unit

	mu               sync.Mutex
	count            int64
	total, last, max float64
}

// Name of the metric.
func (m *Metric) Name() string { return m.name }

// Record one sample.
func (m *Metric) Record(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.total += value
	m.last = value
	if m.count == 1 || value > m.max {
		m.max = value
	}
}

// Since records the time elapsed since start. Use it as `defer m.Since(time.Now())`.
func (m *Metric) Since(start time.Time) {
	m.Record(float64(time.Since(start)))
}

// Data returns a snapshot of the metric.
func (m *Metric) Data() MetricData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricData{Unit: m.unit, Count: m.count, Total: m.total, Last: m.last, Max: m.max}
}

// MetricData is a snapshot of a Metric.
type MetricData struct {
	Unit             Unit
	Count            int64
	Total, Last, Max float64
}

// Mean of the samples, 0 if there were none.
func (d MetricData) Mean() float64 {
	if d.Count == 0 {
		return 0
	}
	return d.Total / float64(d.Count)
}

func (d MetricData) format(v float64) string {
	switch d.Unit {
	case UnitTime:
		return time.Duration(v).String()
	case UnitBytes:
		return humanize.Bytes(uint64(v))
	default:
		return humanize.Commaf(v)
	}
}

// String implements fmt.Stringer.
func (d MetricData) String() string {
	return fmt.Sprintf("count=%s total=%s mean=%s max=%s", humanize.Comma(d.Count),
		d.format(d.Total), d.format(d.Mean()), d.format(d.Max))
}

// Registry holds named counters and metrics.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	metrics  map[string]*Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter), metrics: make(map[string]*Metric)}
}

// Counter returns the counter with the given name, creating it if needed.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.counters[name]
	if !found {
		c = &Counter{name: name}
		r.counters[name] = c
	}
	return c
}

// Metric returns the metric with the given name, creating it with the given unit if needed.
func (r *Registry) Metric(name string, unit Unit) *Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, found := r.metrics[name]
	if !found {
		m = &Metric{name: name, unit: unit}
		r.metrics[name] = m
	}
	return m
}

// Snapshot of all counters and metrics of a registry.
type Snapshot struct {
	Counters map[string]int64
	Metrics  map[string]MetricData
}

// Snapshot returns the current values of all counters and metrics.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	metrics := make([]*Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		metrics = append(metrics, m)
	}
	r.mu.Unlock()

	s := Snapshot{Counters: make(map[string]int64, len(counters)), Metrics: make(map[string]MetricData, len(metrics))}
	for _, c := range counters {
		s.Counters[c.name] = c.Value()
	}
	for _, m := range metrics {
		s.Metrics[m.name] = m.Data()
	}
	return s
}

// String pretty-prints the snapshot, sorted by name.
func (s Snapshot) String() string {
	var sb strings.Builder
	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "Counter %s: %s\n", name, humanize.Comma(s.Counters[name]))
	}
	names = names[:0]
	for name := range s.Metrics {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "Metric %s: %s\n", name, s.Metrics[name])
	}
	return sb.String()
}
