package api

// Parent interface for the host allocator beneath the pools. Pools call
// into parent only when their backing region is created, grown, shrunk
// or released, never on the allocate/free path.
type Parent interface {
	// Name of the parent allocator, for logging.
	Name() string

	// Alloc return a zero filled block of `size` bytes whose first byte
	// is aligned to `alignment`, alignment is a power of two.
	Alloc(size, alignment int64) ([]byte, error)

	// Free block previously returned by Alloc. Block must be passed as
	// returned, without reslicing.
	Free(block []byte)
}
