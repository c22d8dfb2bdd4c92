// Package metrics export pool events and statistics to prometheus.
package metrics

import "github.com/berrym/lusush-sub005/api"
import "github.com/prometheus/client_golang/prometheus"
import "github.com/prometheus/client_golang/prometheus/promauto"

const namespace = "lusush"
const subsystem = "malloc"

// Sink count events delivered by pools and manager, it can be passed
// to malloc.WithSink, possibly along with other sinks via
// malloc.Sinks.
type Sink struct {
	events    *prometheus.CounterVec
	reclaimed prometheus.Counter
	resized   *prometheus.CounterVec
}

// NewSink register event counters with reg.
func NewSink(reg prometheus.Registerer) *Sink {
	return &Sink{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of memory events, by kind, pool and severity.",
		}, []string{"kind", "pool", "severity"}),
		reclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reclaimed_bytes_total",
			Help:      "Total bytes freed by reclamation cycles.",
		}),
		resized: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resizes_total",
			Help:      "Total number of region grows and shrinks, by pool.",
		}, []string{"pool", "direction"}),
	}
}

// Event implement api.Eventsink interface.
func (sink *Sink) Event(ev api.Event) {
	sink.events.WithLabelValues(ev.Kind.String(), ev.Pool, ev.Severity.String()).Inc()
	switch ev.Kind {
	case api.EventReclaim:
		sink.reclaimed.Add(float64(ev.Size))
	case api.EventGrow:
		sink.resized.WithLabelValues(ev.Pool, "grow").Inc()
	case api.EventShrink:
		sink.resized.WithLabelValues(ev.Pool, "shrink").Inc()
	}
}
