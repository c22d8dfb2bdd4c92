package malloc

import "fmt"

import "github.com/berrym/lusush-sub005/lib"
import "github.com/google/btree"
import "github.com/pkg/errors"

// Fragment is a free sub-range of a region.
type Fragment struct {
	Offset int64
	Length int64
}

func (frag Fragment) end() int64 {
	return frag.Offset + frag.Length
}

func (frag Fragment) String() string {
	return fmt.Sprintf("[%v,%v)", frag.Offset, frag.end())
}

// Fragments track free byte ranges within one region. Space that was
// never allocated, [top, size), is kept as tail and is not a fragment.
// Recycled ranges are kept in a btree ordered by offset and are always
// coalesced, no two fragments are adjacent or overlapping, and no
// fragment ends at top.
//
// Fragments are not thread safe, the owning pool serializes access.
type Fragments struct {
	tree     *btree.BTreeG[Fragment]
	size     int64
	top      int64
	fragfree int64 // bytes held by fragments, excluding tail
}

// NewFragments for a region of `size` bytes, all of it tail.
func NewFragments(size int64) *Fragments {
	less := func(a, b Fragment) bool { return a.Offset < b.Offset }
	return &Fragments{tree: btree.NewG(8, less), size: size}
}

// Insertfree return [offset, offset+length) to the table, coalescing
// with neighbours. A range ending at top is absorbed into tail.
func (f *Fragments) Insertfree(offset, length int64) error {
	if length <= 0 {
		return errors.Wrapf(ErrInvalidSize, "insertfree %v", length)
	} else if offset < 0 || offset+length > f.top {
		fmsg := "insertfree [%v,%v) outside [0,%v)"
		return errors.Wrapf(ErrCorrupted, fmsg, offset, offset+length, f.top)
	}

	frag := Fragment{Offset: offset, Length: length}
	prev, hasprev := f.before(offset)
	next, hasnext := f.after(offset)
	if hasprev && prev.end() > offset {
		return errors.Wrapf(ErrCorrupted, "insertfree %v overlaps %v", frag, prev)
	} else if hasnext && next.Offset < frag.end() {
		return errors.Wrapf(ErrCorrupted, "insertfree %v overlaps %v", frag, next)
	}

	if hasprev && prev.end() == frag.Offset {
		f.tree.Delete(prev)
		f.fragfree -= prev.Length
		frag = Fragment{Offset: prev.Offset, Length: prev.Length + frag.Length}
	}
	if hasnext && next.Offset == frag.end() {
		f.tree.Delete(next)
		f.fragfree -= next.Length
		frag.Length += next.Length
	}
	if frag.end() == f.top {
		f.top = frag.Offset
		return nil
	}
	f.tree.ReplaceOrInsert(frag)
	f.fragfree += frag.Length
	return nil
}

// Findfit first-fit search over recycled fragments. Returned offset is
// aligned to `align`, and pad bytes in front of it are consumed along
// with the allocation. Remainder of a larger fragment is re-inserted.
func (f *Fragments) Findfit(length, align int64) (offset, pad int64, ok bool) {
	if length <= 0 {
		return 0, 0, false
	}
	var fit Fragment
	f.tree.Ascend(func(frag Fragment) bool {
		aligned := lib.Alignup(frag.Offset, align)
		if pad = aligned - frag.Offset; pad+length <= frag.Length {
			fit, offset, ok = frag, aligned, true
			return false
		}
		return true
	})
	if !ok {
		return 0, 0, false
	}
	f.tree.Delete(fit)
	f.fragfree -= fit.Length
	if rem := fit.end() - (offset + length); rem > 0 {
		f.tree.ReplaceOrInsert(Fragment{Offset: offset + length, Length: rem})
		f.fragfree += rem
	}
	return offset, pad, true
}

// Removeexact carve [offset, offset+length) out of tail or out of a
// single fragment. When carving from tail, the gap between top and
// offset becomes a fragment.
func (f *Fragments) Removeexact(offset, length int64) error {
	if length <= 0 {
		return errors.Wrapf(ErrInvalidSize, "removeexact %v", length)
	}
	end := offset + length
	if offset >= f.top {
		if end > f.size {
			return errors.Wrapf(ErrOutOfMemory, "removeexact [%v,%v) size %v", offset, end, f.size)
		}
		if gap := offset - f.top; gap > 0 {
			f.tree.ReplaceOrInsert(Fragment{Offset: f.top, Length: gap})
			f.fragfree += gap
		}
		f.top = end
		return nil
	}

	frag, ok := f.before(offset)
	if !ok || frag.end() < end {
		return errors.Wrapf(errNotfree, "removeexact [%v,%v)", offset, end)
	}
	f.tree.Delete(frag)
	f.fragfree -= frag.Length
	if head := offset - frag.Offset; head > 0 {
		f.tree.ReplaceOrInsert(Fragment{Offset: frag.Offset, Length: head})
		f.fragfree += head
	}
	if tail := frag.end() - end; tail > 0 {
		f.tree.ReplaceOrInsert(Fragment{Offset: end, Length: tail})
		f.fragfree += tail
	}
	return nil
}

// Alloc `length` bytes aligned to `align`, first from recycled
// fragments and then from tail. Return ErrOutOfMemory if free space is
// less than length, errFragmented if free space is enough but no single
// range fits.
func (f *Fragments) Alloc(length, align int64) (offset, pad int64, err error) {
	if length <= 0 {
		return 0, 0, errors.Wrapf(ErrInvalidSize, "alloc %v", length)
	}
	if offset, pad, ok := f.Findfit(length, align); ok {
		return offset, pad, nil
	}
	top := f.top
	aligned := lib.Alignup(top, align)
	if aligned+length <= f.size {
		if err := f.Removeexact(top, aligned-top+length); err != nil {
			return 0, 0, err
		}
		return aligned, aligned - top, nil
	}
	if length > f.Free() {
		return 0, 0, errors.Wrapf(ErrOutOfMemory, "alloc %v free %v", length, f.Free())
	}
	return 0, 0, errors.Wrapf(errFragmented, "alloc %v largest %v", length, f.Largest())
}

// Grow extend tail to `newsize`.
func (f *Fragments) Grow(newsize int64) error {
	if newsize < f.size {
		return errors.Wrapf(ErrCorrupted, "grow %v < %v", newsize, f.size)
	}
	f.size = newsize
	return nil
}

// Shrink cut tail down to `newsize`, which must not be below top.
func (f *Fragments) Shrink(newsize int64) error {
	if newsize < f.top {
		return errors.Wrapf(errNotfree, "shrink %v below top %v", newsize, f.top)
	}
	f.size = newsize
	return nil
}

// Reset drop all fragments and make [top, size) the only free space,
// used after compaction packed live data into [0, top).
func (f *Fragments) Reset(top int64) {
	f.tree.Clear(false)
	f.fragfree, f.top = 0, top
}

// Size of the region tracked.
func (f *Fragments) Size() int64 {
	return f.size
}

// Top end of the highest allocated byte.
func (f *Fragments) Top() int64 {
	return f.top
}

// Count number of recycled fragments, tail is not counted.
func (f *Fragments) Count() int {
	return f.tree.Len()
}

// Free total free bytes, fragments and tail.
func (f *Fragments) Free() int64 {
	return f.fragfree + (f.size - f.top)
}

// Largest contiguous free range.
func (f *Fragments) Largest() int64 {
	largest := f.size - f.top
	f.tree.Ascend(func(frag Fragment) bool {
		largest = lib.Maxint64(largest, frag.Length)
		return true
	})
	return largest
}

// Fragmentation ratio, 1 - largest/free. Zero when nothing is free or
// all free space is contiguous.
func (f *Fragments) Fragmentation() float64 {
	free := f.Free()
	if free == 0 {
		return 0
	}
	return 1.0 - float64(f.Largest())/float64(free)
}

// Walk fragments in offset order.
func (f *Fragments) Walk(fn func(frag Fragment) bool) {
	f.tree.Ascend(fn)
}

// Check table invariants, return ErrCorrupted on violation.
func (f *Fragments) Check() (err error) {
	var prev Fragment
	var sum int64
	first := true
	f.tree.Ascend(func(frag Fragment) bool {
		switch {
		case frag.Length <= 0:
			err = errors.Wrapf(ErrCorrupted, "empty fragment %v", frag)
		case frag.Offset < 0 || frag.end() > f.top:
			err = errors.Wrapf(ErrCorrupted, "fragment %v outside top %v", frag, f.top)
		case frag.end() == f.top:
			err = errors.Wrapf(ErrCorrupted, "fragment %v not absorbed", frag)
		case !first && prev.end() >= frag.Offset:
			err = errors.Wrapf(ErrCorrupted, "fragments %v %v not coalesced", prev, frag)
		}
		prev, first, sum = frag, false, sum+frag.Length
		return err == nil
	})
	if err == nil && sum != f.fragfree {
		err = errors.Wrapf(ErrCorrupted, "fragment bytes %v, accounted %v", sum, f.fragfree)
	} else if err == nil && (f.top < 0 || f.top > f.size) {
		err = errors.Wrapf(ErrCorrupted, "top %v size %v", f.top, f.size)
	}
	return err
}

func (f *Fragments) before(offset int64) (frag Fragment, ok bool) {
	f.tree.DescendLessOrEqual(Fragment{Offset: offset}, func(item Fragment) bool {
		frag, ok = item, true
		return false
	})
	return frag, ok
}

func (f *Fragments) after(offset int64) (frag Fragment, ok bool) {
	f.tree.AscendGreaterOrEqual(Fragment{Offset: offset}, func(item Fragment) bool {
		frag, ok = item, true
		return false
	})
	return frag, ok
}

func (f *Fragments) String() string {
	return fmt.Sprintf("fragments{size:%v top:%v count:%v free:%v}",
		f.size, f.top, f.Count(), f.Free())
}
