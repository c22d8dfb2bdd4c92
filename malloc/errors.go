package malloc

import "github.com/pkg/errors"

// Resource exhaustion.
var (
	// ErrPoolExhausted pool cannot satisfy the request without growing
	// beyond its maxsize.
	ErrPoolExhausted = errors.New("malloc.poolexhausted")
	// ErrOutOfMemory every tier, including emergency, is exhausted. Also
	// returned by fragment table when request exceed its free space.
	ErrOutOfMemory = errors.New("malloc.outofmemory")
)

// Usage errors.
var (
	ErrInvalidSize   = errors.New("malloc.invalidsize")
	ErrAlignment     = errors.New("malloc.alignment")
	ErrDuplicateType = errors.New("malloc.duplicatetype")
	ErrInvalidHandle = errors.New("malloc.invalidhandle")
	ErrUnknownPool   = errors.New("malloc.unknownpool")
	ErrTooManyPools  = errors.New("malloc.toomanypools")
)

// Safety violations, the offending operation is rejected.
var (
	ErrDoubleFree      = errors.New("malloc.doublefree")
	ErrUseAfterFree    = errors.New("malloc.useafterfree")
	ErrBoundsViolation = errors.New("malloc.boundsviolation")
	ErrPermission      = errors.New("malloc.permission")
)

// Internal invariant failures and lifecycle errors.
var (
	ErrCorrupted        = errors.New("malloc.corrupted")
	ErrPoolDegraded     = errors.New("malloc.degraded")
	ErrPoolClosed       = errors.New("malloc.poolclosed")
	ErrLiveAllocations  = errors.New("malloc.liveallocations")
	ErrReclaimBusy      = errors.New("malloc.reclaimbusy")
	ErrReclaimTimeout   = errors.New("malloc.reclaimtimeout")
	ErrReclaimCallback  = errors.New("malloc.reclaimcallback")
	ErrManagerClosed    = errors.New("malloc.managerclosed")
	ErrInvalidSettings  = errors.New("malloc.invalidsettings")
	ErrParentAllocation = errors.New("malloc.parentalloc")
)

// no single fragment can satisfy the request, though free space can.
var errFragmented = errors.New("malloc.fragmented")

// range passed to Removeexact is not free.
var errNotfree = errors.New("malloc.notfree")

// Issafetyviolation return true if err is a safety violation detected
// by the safety layer.
func Issafetyviolation(err error) bool {
	switch {
	case errors.Is(err, ErrDoubleFree), errors.Is(err, ErrUseAfterFree):
		return true
	case errors.Is(err, ErrBoundsViolation), errors.Is(err, ErrPermission):
		return true
	}
	return false
}

// Isexhausted return true if err is a resource exhaustion.
func Isexhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrOutOfMemory)
}
