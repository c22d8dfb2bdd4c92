package malloc

import "github.com/berrym/lusush-sub005/api"
import "github.com/pkg/errors"

// region is the contiguous span of memory owned by a pool. Offsets
// into the region are stable across resize, the backing block is not.
type region struct {
	parent    api.Parent
	block     []byte
	alignment int64
}

func newregion(parent api.Parent, size, alignment int64) (*region, error) {
	block, err := parent.Alloc(size, alignment)
	if err != nil {
		return nil, errors.Wrapf(ErrParentAllocation, "%v: %v", parent.Name(), err)
	}
	return &region{parent: parent, block: block, alignment: alignment}, nil
}

func (r *region) size() int64 {
	return int64(len(r.block))
}

// resize move the first `keep` bytes into a new block of `newsize`.
// On failure the old block is left untouched.
func (r *region) resize(newsize, keep int64) error {
	if keep > newsize {
		return errors.Wrapf(ErrCorrupted, "resize %v keeping %v", newsize, keep)
	}
	block, err := r.parent.Alloc(newsize, r.alignment)
	if err != nil {
		return errors.Wrapf(ErrParentAllocation, "%v: %v", r.parent.Name(), err)
	}
	copy(block, r.block[:keep])
	r.parent.Free(r.block)
	r.block = block
	return nil
}

func (r *region) slice(offset, length int64) []byte {
	return r.block[offset : offset+length : offset+length]
}

func (r *region) fill(offset, length int64, b byte) {
	block := r.block[offset : offset+length]
	for i := range block {
		block[i] = b
	}
}

func (r *region) release() {
	if r.block != nil {
		r.parent.Free(r.block)
		r.block = nil
	}
}
