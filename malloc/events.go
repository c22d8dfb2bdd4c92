package malloc

import "github.com/berrym/lusush-sub005/api"
import "github.com/bnclabs/golog"
import "github.com/coder/quartz"

// Option configure a Manager or a standalone Pool.
type Option func(*options)

type options struct {
	sink   api.Eventsink
	clock  quartz.Clock
	parent api.Parent
	roots  api.RootEnumerator
	walker api.GraphWalker
}

func newoptions(opts []Option) options {
	o := options{sink: nopsink{}, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithSink deliver events to sink. Default discard events.
func WithSink(sink api.Eventsink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithClock use clock for timestamps, shrink windows and scheduling.
func WithClock(clock quartz.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithParent back every region by parent, overriding the "parent"
// setting.
func WithParent(parent api.Parent) Option {
	return func(o *options) {
		o.parent = parent
	}
}

// WithRoots supply the root set and object graph used by scheduled
// and pressure triggered reclamation cycles. Without roots only
// explicit RunReclamation calls reclaim memory.
func WithRoots(roots api.RootEnumerator, walker api.GraphWalker) Option {
	return func(o *options) {
		o.roots, o.walker = roots, walker
	}
}

type nopsink struct{}

func (nopsink) Event(api.Event) {}

// Sinks fan out events to every sink in order.
type Sinks []api.Eventsink

// Event implement api.Eventsink interface.
func (sinks Sinks) Event(ev api.Event) {
	for _, sink := range sinks {
		sink.Event(ev)
	}
}

// Logsink write events as log lines using golog, critical events are
// logged as errors and warnings as warnings.
type Logsink struct {
	Prefix string
}

// Event implement api.Eventsink interface.
func (sink Logsink) Event(ev api.Event) {
	fmsg := "%v %v pool:%v handle:%v size:%v %v\n"
	args := []interface{}{sink.Prefix, ev.Kind, ev.Pool, ev.Handle, ev.Size, ev.Detail}
	switch ev.Severity {
	case api.SeverityCritical:
		log.Errorf(fmsg, args...)
	case api.SeverityWarning:
		log.Warnf(fmsg, args...)
	default:
		log.Infof(fmsg, args...)
	}
}
