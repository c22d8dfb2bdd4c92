package malloc

import "math/rand"
import "testing"

import "github.com/pkg/errors"
import "github.com/stretchr/testify/require"

func TestFragmentsTail(t *testing.T) {
	f := NewFragments(1024)
	if x := f.Free(); x != 1024 {
		t.Errorf("expected %v, got %v", 1024, x)
	}

	off, pad, err := f.Alloc(100, 8)
	require.NoError(t, err)
	if off != 0 || pad != 0 {
		t.Errorf("unexpected %v %v", off, pad)
	} else if x := f.Top(); x != 100 {
		t.Errorf("expected %v, got %v", 100, x)
	}

	// freeing the highest range is absorbed into tail.
	require.NoError(t, f.Insertfree(0, 100))
	if x := f.Count(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if x := f.Top(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	require.NoError(t, f.Check())
}

func TestFragmentsCoalesce(t *testing.T) {
	f := NewFragments(1024)
	offs := []int64{}
	for i := 0; i < 5; i++ {
		off, _, err := f.Alloc(64, 8)
		require.NoError(t, err)
		offs = append(offs, off)
	}
	// free 1 and 3, two fragments.
	require.NoError(t, f.Insertfree(offs[1], 64))
	require.NoError(t, f.Insertfree(offs[3], 64))
	if x := f.Count(); x != 2 {
		t.Errorf("expected %v, got %v", 2, x)
	}
	// free 2, merges with both neighbours.
	require.NoError(t, f.Insertfree(offs[2], 64))
	if x := f.Count(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
	f.Walk(func(frag Fragment) bool {
		if frag.Offset != 64 || frag.Length != 192 {
			t.Errorf("unexpected %v", frag)
		}
		return true
	})
	// free 4, everything from 64 is absorbed into tail.
	require.NoError(t, f.Insertfree(offs[4], 64))
	if x := f.Count(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if x := f.Top(); x != 64 {
		t.Errorf("expected %v, got %v", 64, x)
	}
	require.NoError(t, f.Check())
}

func TestFragmentsFindfit(t *testing.T) {
	f := NewFragments(1024)
	for i := 0; i < 4; i++ {
		_, _, err := f.Alloc(100, 4)
		require.NoError(t, err)
	}
	require.NoError(t, f.Insertfree(0, 100))
	require.NoError(t, f.Insertfree(200, 100))

	// first fit picks the lowest fragment and splits it.
	off, pad, ok := f.Findfit(40, 4)
	if !ok || off != 0 || pad != 0 {
		t.Errorf("unexpected %v %v %v", off, pad, ok)
	}
	off, pad, ok = f.Findfit(60, 4)
	if !ok || off != 40 || pad != 0 {
		t.Errorf("unexpected %v %v %v", off, pad, ok)
	}
	if x := f.Count(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
	// alignment padding is consumed along with the allocation.
	off, pad, ok = f.Findfit(32, 64)
	if !ok || off != 256 || pad != 56 {
		t.Errorf("unexpected %v %v %v", off, pad, ok)
	}
	if _, _, ok = f.Findfit(500, 4); ok {
		t.Errorf("unexpected fit")
	}
	require.NoError(t, f.Check())
}

func TestFragmentsRemoveexact(t *testing.T) {
	f := NewFragments(1024)
	// carving beyond top leaves the gap as fragment.
	require.NoError(t, f.Removeexact(128, 64))
	if x := f.Top(); x != 192 {
		t.Errorf("expected %v, got %v", 192, x)
	} else if x := f.Count(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
	// carving out of the middle of a fragment splits it.
	require.NoError(t, f.Removeexact(32, 32))
	if x := f.Count(); x != 2 {
		t.Errorf("expected %v, got %v", 2, x)
	}
	err := f.Removeexact(48, 32)
	if !errors.Is(err, errNotfree) {
		t.Errorf("unexpected %v", err)
	}
	err = f.Removeexact(1000, 64)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("unexpected %v", err)
	}
	require.NoError(t, f.Check())
}

func TestFragmentsErrors(t *testing.T) {
	f := NewFragments(256)
	if _, _, err := f.Alloc(0, 8); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("unexpected %v", err)
	}
	if _, _, err := f.Alloc(512, 8); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("unexpected %v", err)
	}
	for i := 0; i < 4; i++ {
		_, _, err := f.Alloc(64, 8)
		require.NoError(t, err)
	}
	require.NoError(t, f.Insertfree(0, 64))
	require.NoError(t, f.Insertfree(128, 64))
	if _, _, err := f.Alloc(128, 8); !errors.Is(err, errFragmented) {
		t.Errorf("unexpected %v", err)
	}
	// overlapping free is corruption.
	if err := f.Insertfree(32, 64); !errors.Is(err, ErrCorrupted) {
		t.Errorf("unexpected %v", err)
	}
	if err := f.Insertfree(200, 100); !errors.Is(err, ErrCorrupted) {
		t.Errorf("unexpected %v", err)
	}
	if x := f.Fragmentation(); x != 0.5 {
		t.Errorf("expected %v, got %v", 0.5, x)
	}
}

func TestFragmentsGrowShrinkReset(t *testing.T) {
	f := NewFragments(256)
	_, _, err := f.Alloc(200, 8)
	require.NoError(t, err)
	require.NoError(t, f.Grow(512))
	if x := f.Free(); x != 312 {
		t.Errorf("expected %v, got %v", 312, x)
	}
	if err := f.Shrink(128); !errors.Is(err, errNotfree) {
		t.Errorf("unexpected %v", err)
	}
	require.NoError(t, f.Shrink(256))
	if err := f.Grow(128); !errors.Is(err, ErrCorrupted) {
		t.Errorf("unexpected %v", err)
	}
	f.Reset(64)
	if x := f.Free(); x != 192 {
		t.Errorf("expected %v, got %v", 192, x)
	} else if x := f.Largest(); x != 192 {
		t.Errorf("expected %v, got %v", 192, x)
	}
}

func TestFragmentsRandom(t *testing.T) {
	seed := rand.Int63()
	t.Logf("seed %v", seed)
	rnd := rand.New(rand.NewSource(seed))

	size := int64(64 * 1024)
	f := NewFragments(size)
	type span struct{ start, length int64 }
	live := []span{}
	for i := 0; i < 10000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			j := rnd.Intn(len(live))
			sp := live[j]
			live = append(live[:j], live[j+1:]...)
			before := f.Free()
			require.NoError(t, f.Insertfree(sp.start, sp.length))
			if x := f.Free(); x != before+sp.length {
				t.Fatalf("expected %v, got %v", before+sp.length, x)
			}
		} else {
			length := int64(rnd.Intn(512)+1) * 8
			align := int64(1) << uint(rnd.Intn(7))
			off, pad, err := f.Alloc(length, align)
			if err != nil {
				continue
			} else if off%align != 0 {
				t.Fatalf("offset %v not aligned to %v", off, align)
			}
			live = append(live, span{off - pad, length + pad})
		}
		require.NoError(t, f.Check())
		var used int64
		for _, sp := range live {
			used += sp.length
		}
		if used+f.Free() != size {
			t.Fatalf("used %v free %v size %v", used, f.Free(), size)
		}
	}
}
