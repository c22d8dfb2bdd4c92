package api

import "fmt"
import "time"

// Eventkind of telemetry record.
type Eventkind int

const (
	EventGrow Eventkind = iota + 1
	EventShrink
	EventCompact
	EventReclaim
	EventBounds
	EventDoubleFree
	EventUseAfterFree
	EventPermission
	EventCorruption
	EventLeak
	EventOutOfMemory
	EventPressure
)

func (kind Eventkind) String() string {
	switch kind {
	case EventGrow:
		return "grow"
	case EventShrink:
		return "shrink"
	case EventCompact:
		return "compact"
	case EventReclaim:
		return "reclaim"
	case EventBounds:
		return "bounds"
	case EventDoubleFree:
		return "doublefree"
	case EventUseAfterFree:
		return "useafterfree"
	case EventPermission:
		return "permission"
	case EventCorruption:
		return "corruption"
	case EventLeak:
		return "leak"
	case EventOutOfMemory:
		return "outofmemory"
	case EventPressure:
		return "pressure"
	}
	return fmt.Sprintf("event(%d)", int(kind))
}

// Severity of an event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Event is a structured telemetry record. Presentation is left to the
// sink.
type Event struct {
	Kind     Eventkind
	Severity Severity
	Pool     string // pool type
	Handle   Handle // zero if not applicable
	Size     int64  // bytes involved, or new region size for grow/shrink
	Time     time.Time
	Detail   string
}
