package malloc

import "fmt"
import "unsafe"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import "github.com/pkg/errors"
import "go.uber.org/atomic"

// Newparent return the parent allocator named by the "parent" setting.
func Newparent(name string) (api.Parent, error) {
	switch name {
	case "", "heap":
		return NewHeapparent(), nil
	case "mmap":
		return newmmapparent()
	}
	return nil, errors.Wrapf(ErrInvalidSettings, "parent %q", name)
}

// Heapparent allocate regions from the Go heap. Regions are ordinary
// byte slices, over-allocated to satisfy the requested alignment.
type Heapparent struct {
	n_allocs atomic.Int64
	n_frees  atomic.Int64
	used     atomic.Int64
}

// NewHeapparent create a parent allocator backed by Go heap.
func NewHeapparent() *Heapparent {
	return &Heapparent{}
}

// Name implement api.Parent interface.
func (heap *Heapparent) Name() string {
	return "heap"
}

// Alloc implement api.Parent interface.
func (heap *Heapparent) Alloc(size, alignment int64) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "heap alloc %v", size)
	} else if !lib.Ispowerof2(alignment) {
		return nil, errors.Wrapf(ErrAlignment, "heap alloc alignment %v", alignment)
	}
	buf := make([]byte, size+alignment)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := lib.Alignup(int64(base), alignment) - int64(base)
	heap.n_allocs.Inc()
	heap.used.Add(size)
	return buf[off : off+size : off+size], nil
}

// Free implement api.Parent interface. Memory is returned to the Go
// runtime once the block is no longer referenced.
func (heap *Heapparent) Free(block []byte) {
	heap.n_frees.Inc()
	heap.used.Sub(int64(cap(block)))
}

// Used bytes currently held by regions.
func (heap *Heapparent) Used() int64 {
	return heap.used.Load()
}

func (heap *Heapparent) String() string {
	fmsg := "heap{allocs:%v frees:%v used:%v}"
	return fmt.Sprintf(fmsg, heap.n_allocs.Load(), heap.n_frees.Load(), heap.used.Load())
}
