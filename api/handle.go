package api

import "fmt"

// Poolid identify a pool within its manager. Zero is not a valid id.
type Poolid uint8

// Maxpools maximum number of pools a manager can hold.
const Maxpools = 255

// Maxgeneration largest generation a handle can carry, generations
// wrap back to 1 after this.
const Maxgeneration = uint32(1<<24 - 1)

// Handle is an indirect, generation checked, reference to an allocation
// record. It is never a pointer into memory, so allocations can be
// relocated without invalidating the handles held by applications.
//
//	 63       56 55                 32 31                        0
//	+-----------+---------------------+---------------------------+
//	|  poolid   |     generation      |           slot            |
//	+-----------+---------------------+---------------------------+
//
// Zero value is never returned by a successful allocation.
type Handle uint64

// Makehandle compose a handle from its parts.
func Makehandle(pool Poolid, generation, slot uint32) Handle {
	h := uint64(pool) << 56
	h |= uint64(generation&Maxgeneration) << 32
	return Handle(h | uint64(slot))
}

// Pool that owns the allocation.
func (h Handle) Pool() Poolid {
	return Poolid(uint64(h) >> 56)
}

// Generation of the slot at the time of allocation.
func (h Handle) Generation() uint32 {
	return uint32(uint64(h)>>32) & Maxgeneration
}

// Slot index into pool's record table.
func (h Handle) Slot() uint32 {
	return uint32(uint64(h))
}

// IsZero return true for the zero handle.
func (h Handle) IsZero() bool {
	return h == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("h%d/%d/%d", h.Pool(), h.Generation(), h.Slot())
}
