// Package api define types and interfaces shared between the pool
// manager, its pools and the host application.
package api

// RootEnumerator is supplied by the application layer owning live
// buffer and event references. Reclamation treats every handle yielded
// by Roots as reachable.
type RootEnumerator interface {
	// Roots shall call yield for every root handle, and stop as soon as
	// yield returns false.
	Roots(yield func(Handle) bool) error
}

// GraphWalker enumerate handles referenced by an allocation, used to
// mark objects reachable only through other objects.
type GraphWalker interface {
	// Children shall call yield for every handle referenced by `h`.
	Children(h Handle, yield func(Handle) bool) error
}

// Roots is a static root set.
type Roots []Handle

// Roots implement RootEnumerator interface.
func (roots Roots) Roots(yield func(Handle) bool) error {
	for _, h := range roots {
		if !yield(h) {
			return nil
		}
	}
	return nil
}

// Rootsfunc adapt a function to RootEnumerator interface.
type Rootsfunc func(yield func(Handle) bool) error

// Roots implement RootEnumerator interface.
func (fn Rootsfunc) Roots(yield func(Handle) bool) error {
	return fn(yield)
}

// Graph is a static object graph, map of handle to the handles it
// refers.
type Graph map[Handle][]Handle

// Children implement GraphWalker interface.
func (g Graph) Children(h Handle, yield func(Handle) bool) error {
	for _, child := range g[h] {
		if !yield(child) {
			return nil
		}
	}
	return nil
}

// Walkfunc adapt a function to GraphWalker interface.
type Walkfunc func(h Handle, yield func(Handle) bool) error

// Children implement GraphWalker interface.
func (fn Walkfunc) Children(h Handle, yield func(Handle) bool) error {
	return fn(h, yield)
}

// Eventsink receive structured events from the pool subsystem. Sinks
// are called synchronously without holding pool locks, implementations
// shall not block.
type Eventsink interface {
	Event(ev Event)
}

// Eventfunc adapt a function to Eventsink interface.
type Eventfunc func(ev Event)

// Event implement Eventsink interface.
func (fn Eventfunc) Event(ev Event) {
	fn(ev)
}
