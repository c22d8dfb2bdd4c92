package malloc

import "fmt"
import "sort"
import "time"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import "github.com/pkg/errors"

var zerotime time.Time

// grow region by max(need, size*growthfactor - size), bounded by
// maxsize and rounded to blocksize. Must be called with write lock.
func (p *Pool) grow(need int64) error {
	cur := p.region.size()
	if cur+need > p.config.maxsize {
		fmsg := "%v grow %v+%v beyond maxsize %v"
		return errors.Wrapf(ErrPoolExhausted, fmsg, p.logprefix, cur, need, p.config.maxsize)
	}
	delta := int64(float64(cur)*p.config.growthfactor) - cur
	delta = lib.Maxint64(need, delta)
	newsize := lib.Roundup(cur+delta, p.config.blocksize)
	newsize = lib.Minint64(newsize, p.config.maxsize)

	if err := p.region.resize(newsize, p.frags.Top()); err != nil {
		return errors.Wrapf(ErrPoolExhausted, "%v grow: %v", p.logprefix, err)
	}
	if err := p.frags.Grow(newsize); err != nil {
		return err
	}
	p.n_grows.Inc()
	p.lowsince = zerotime
	debugf("%v grown %v -> %v\n", p.logprefix, cur, newsize)
	detail := fmt.Sprintf("%v -> %v", cur, newsize)
	p.pending = append(p.pending, p.newevent(api.EventGrow, api.SeverityInfo, 0, newsize, detail))
	return nil
}

// MaybeShrink region toward size*shrinkfactor, bounded below by
// minsize, if utilization stayed below shrinkthreshold for at least
// shrinkwindow. Shrink is skipped when live data sits beyond the
// target size. Return true if region was shrunk.
func (p *Pool) MaybeShrink() (bool, error) {
	p.rw.Lock()
	defer p.unlock()

	if err := p.writable(); err != nil {
		return false, err
	}
	cur, now := p.region.size(), p.clock.Now()
	utilization := float64(p.used) / float64(cur)
	if utilization >= p.config.shrinkthreshold || cur <= p.config.minsize {
		p.lowsince = zerotime
		return false, nil
	} else if p.lowsince.IsZero() {
		p.lowsince = now
		return false, nil
	} else if now.Sub(p.lowsince) < p.config.shrinkwindow {
		return false, nil
	}

	target := lib.Roundup(int64(p.config.shrinkfactor*float64(cur)), p.config.blocksize)
	target = lib.Maxint64(target, p.config.minsize)
	if target >= cur {
		return false, nil
	} else if top := p.frags.Top(); top > target {
		debugf("%v shrink to %v skipped, live data upto %v\n", p.logprefix, target, top)
		return false, nil
	}

	if err := p.region.resize(target, p.frags.Top()); err != nil {
		return false, err
	}
	if err := p.frags.Shrink(target); err != nil {
		p.degrade(err)
		return false, errors.Wrapf(ErrPoolDegraded, "%v: %v", p.logprefix, err)
	}
	p.n_shrinks.Inc()
	p.lowsince = zerotime
	debugf("%v shrunk %v -> %v\n", p.logprefix, cur, target)
	detail := fmt.Sprintf("%v -> %v", cur, target)
	p.pending = append(p.pending, p.newevent(api.EventShrink, api.SeverityInfo, 0, target, detail))
	return true, nil
}

// Compact relocate live allocations to the front of the region, in
// offset order, leaving all free space as one contiguous tail. Handles
// stay valid since they index the record table. Write lock is held for
// the entire relocation, readers block until it completes. Return the
// number of bytes moved.
func (p *Pool) Compact() (int64, error) {
	p.rw.Lock()
	defer p.unlock()

	if err := p.writable(); err != nil {
		return 0, err
	}
	return p.compact(), nil
}

// compact must be called with write lock.
func (p *Pool) compact() (moved int64) {
	recs := make([]*record, 0, p.recs.nlive)
	p.recs.walk(func(_ uint32, rec *record) bool {
		recs = append(recs, rec)
		return true
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].offset < recs[j].offset })

	oldtop, nfrags := p.frags.Top(), p.frags.Count()
	dest, used := int64(0), int64(0)
	for _, rec := range recs {
		aligned := lib.Alignup(dest, rec.align)
		if aligned != rec.offset {
			copy(p.region.slice(aligned, rec.length), p.region.slice(rec.offset, rec.length))
			moved += rec.length
		}
		rec.offset, rec.pad = aligned, aligned-dest
		dest = aligned + rec.length
		used += rec.pad + rec.length
	}
	p.frags.Reset(dest)
	if p.config.poison && oldtop > dest {
		p.region.fill(dest, oldtop-dest, Poisonbyte)
	}
	p.used = used
	p.n_compacts.Inc()

	fmsg := "%v compacted %v allocations, moved %v bytes, top %v -> %v\n"
	debugf(fmsg, p.logprefix, len(recs), moved, oldtop, dest)
	detail := fmt.Sprintf("fragments:%v top:%v -> %v", nfrags, oldtop, dest)
	ev := p.newevent(api.EventCompact, api.SeverityInfo, 0, moved, detail)
	p.pending = append(p.pending, ev)
	return moved
}

// compactable return true if pool is configured for compaction and
// fragmentation is above compactthreshold. Must be called with lock.
func (p *Pool) compactable() bool {
	if !p.config.compact || p.frags.Count() == 0 {
		return false
	}
	return p.frags.Fragmentation() > p.config.compactthreshold
}
