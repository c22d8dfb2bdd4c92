//go:build unix
// +build unix

package malloc

import "os"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import "github.com/pkg/errors"
import "go.uber.org/atomic"
import "golang.org/x/sys/unix"

// Mmapparent allocate regions as private anonymous mappings, outside
// the Go heap. Mappings are page aligned.
type Mmapparent struct {
	pagesize int64
	used     atomic.Int64
}

// NewMmapparent create a parent allocator backed by anonymous mmap.
func NewMmapparent() *Mmapparent {
	return &Mmapparent{pagesize: int64(os.Getpagesize())}
}

func newmmapparent() (api.Parent, error) {
	return NewMmapparent(), nil
}

// Name implement api.Parent interface.
func (mp *Mmapparent) Name() string {
	return "mmap"
}

// Alloc implement api.Parent interface.
func (mp *Mmapparent) Alloc(size, alignment int64) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "mmap alloc %v", size)
	} else if !lib.Ispowerof2(alignment) || alignment > mp.pagesize {
		return nil, errors.Wrapf(ErrAlignment, "mmap alloc alignment %v", alignment)
	}
	length := lib.Roundup(size, mp.pagesize)
	prot, flags := unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE
	block, err := unix.Mmap(-1, 0, int(length), prot, flags)
	if err != nil {
		return nil, errors.Wrapf(ErrParentAllocation, "mmap %v: %v", length, err)
	}
	mp.used.Add(length)
	return block[:size], nil
}

// Free implement api.Parent interface.
func (mp *Mmapparent) Free(block []byte) {
	if cap(block) == 0 {
		return
	}
	length := int64(cap(block))
	if err := unix.Munmap(block[:cap(block)]); err != nil {
		errorf("munmap %v bytes: %v\n", length, err)
		return
	}
	mp.used.Sub(length)
}

// Used bytes currently mapped.
func (mp *Mmapparent) Used() int64 {
	return mp.used.Load()
}
