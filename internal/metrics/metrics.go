// Package metrics exposes the engine's own Prometheus counters: events
// emitted, records dropped by writer failures, fields truncated, and
// segments written. A nil *Metrics disables collection entirely.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's counters.
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	droppedTotal   prometheus.Counter
	truncatedTotal *prometheus.CounterVec
	segmentsTotal  prometheus.Counter
}

// New creates and registers the counters on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_events_total",
				Help: "Trace records emitted, by kind",
			},
			[]string{"kind"},
		),
		droppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowtrace_dropped_records_total",
				Help: "Trace records dropped by writer failures",
			},
		),
		truncatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_truncated_fields_total",
				Help: "Fields truncated by size governance, by field",
			},
			[]string{"field"},
		),
		segmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowtrace_segments_total",
				Help: "Full-record segment files written",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.eventsTotal, m.droppedTotal, m.truncatedTotal, m.segmentsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Event counts one emitted record.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// Dropped counts one record lost to a writer failure.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.droppedTotal.Inc()
}

// Truncated counts one governed field.
func (m *Metrics) Truncated(field string) {
	if m == nil {
		return
	}
	m.truncatedTotal.WithLabelValues(field).Inc()
}

// Segment counts one segment file written.
func (m *Metrics) Segment() {
	if m == nil {
		return
	}
	m.segmentsTotal.Inc()
}
