package malloc

import "time"

import "github.com/berrym/lusush-sub005/api"
import "github.com/hashicorp/golang-lru/v2/simplelru"

// Allocation describe an allocation record, returned by Lookup and in
// leak reports.
type Allocation struct {
	Handle api.Handle
	Pool   string
	Offset int64 // first usable byte within region
	Length int64 // aligned length
	Pad    int64 // alignment bytes consumed in front of Offset
	Size   int64 // requested size, the accessible range
	Tag    string
	Born   time.Time
	Died   time.Time
	Perms  api.Permission
	Live   bool
}

type record struct {
	offset int64
	length int64
	pad    int64
	size   int64
	align  int64
	tag    string
	born   time.Time
	died   time.Time
	gen    uint32
	perms  api.Permission
	mark   uint64
	live   bool
}

// records is the stable slot table handles index into. Freed records
// stay in their slot as tombstones until evicted from the retention
// ring, only then the slot is recycled with the next generation.
type records struct {
	slots     []*record
	freeslots []uint32
	retained  *simplelru.LRU[uint32, *record]
	nlive     int64
}

func newrecords(retention int64) *records {
	recs := &records{
		slots:     make([]*record, 0, 64),
		freeslots: make([]uint32, 0, 64),
	}
	if retention > 0 {
		onevict := func(slot uint32, _ *record) {
			recs.freeslots = append(recs.freeslots, slot)
		}
		recs.retained, _ = simplelru.NewLRU[uint32, *record](int(retention), onevict)
	}
	return recs
}

// alloc a slot for new record, bumping the generation of a recycled
// slot.
func (recs *records) alloc(rec *record) (slot uint32) {
	if n := len(recs.freeslots); n > 0 {
		slot = recs.freeslots[n-1]
		recs.freeslots = recs.freeslots[:n-1]
		rec.gen = nextgeneration(recs.slots[slot].gen)
		recs.slots[slot] = rec
	} else {
		slot = uint32(len(recs.slots))
		rec.gen = 1
		recs.slots = append(recs.slots, rec)
	}
	rec.live = true
	recs.nlive++
	return slot
}

// release mark record as dead and move it into the retention ring.
func (recs *records) release(slot uint32, now time.Time) {
	rec := recs.slots[slot]
	rec.live, rec.died = false, now
	recs.nlive--
	if recs.retained == nil {
		recs.freeslots = append(recs.freeslots, slot)
		return
	}
	recs.retained.Add(slot, rec)
}

func (recs *records) get(slot uint32) *record {
	if int(slot) >= len(recs.slots) {
		return nil
	}
	return recs.slots[slot]
}

// purge the retention ring, making every tombstoned slot reusable.
func (recs *records) purge() {
	if recs.retained != nil {
		recs.retained.Purge()
	}
}

func (recs *records) tombstones() int {
	if recs.retained == nil {
		return 0
	}
	return recs.retained.Len()
}

// walk live records in slot order.
func (recs *records) walk(fn func(slot uint32, rec *record) bool) {
	for slot, rec := range recs.slots {
		if rec.live && !fn(uint32(slot), rec) {
			return
		}
	}
}

func nextgeneration(gen uint32) uint32 {
	if gen = (gen + 1) & api.Maxgeneration; gen == 0 {
		gen = 1
	}
	return gen
}
