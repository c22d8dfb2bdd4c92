package malloc

import "fmt"
import "sort"
import "sync"
import "time"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import s "github.com/bnclabs/gosettings"
import "github.com/coder/quartz"
import "github.com/pkg/errors"
import "go.uber.org/atomic"

// Pool serve allocations of one named type out of a single region.
// Allocate, Free, resize and compaction take the write lock, accesses
// through handles take the read lock.
type Pool struct {
	// relaxed counters, read without lock.
	n_allocs     atomic.Int64
	n_frees      atomic.Int64
	n_failed     atomic.Int64
	n_grows      atomic.Int64
	n_shrinks    atomic.Int64
	n_compacts   atomic.Int64
	n_violations atomic.Int64
	n_reclaimed  atomic.Int64

	id     api.Poolid
	typ    string
	config poolconfig
	setts  s.Settings

	rw        sync.RWMutex
	region    *region
	frags     *Fragments
	recs      *records
	hsize     *lib.Sizehistogram
	used      int64 // bytes consumed by live records, padding included
	peak      int64
	lowsince  time.Time
	degraded  bool
	closed    bool
	pending   []api.Event
	pressured bool

	epoch      *atomic.Uint64
	clock      quartz.Clock
	sink       api.Eventsink
	onpressure func(p *Pool)
	logprefix  string
}

// NewPool create a standalone pool, outside of any manager, for
// allocations of type `typ`. Settings are applied over
// Poolsettings(typ).
func NewPool(typ string, setts s.Settings, opts ...Option) (*Pool, error) {
	o := newoptions(opts)
	return newpool(1, typ, setts, o, atomic.NewUint64(0), nil)
}

func newpool(
	id api.Poolid, typ string, setts s.Settings, o options,
	epoch *atomic.Uint64, onpressure func(*Pool)) (*Pool, error) {

	setts = make(s.Settings).Mixin(Poolsettings(typ), setts)
	config, err := readpoolsettings(setts)
	if err != nil {
		return nil, errors.Wrapf(err, "pool %q", typ)
	}

	parent := o.parent
	if parent == nil {
		if parent, err = Newparent(config.parent); err != nil {
			return nil, err
		}
	}
	size := lib.Roundup(config.initialsize, config.blocksize)
	size = lib.Minint64(size, config.maxsize)
	reg, err := newregion(parent, size, config.maxalignment)
	if err != nil {
		return nil, errors.Wrapf(err, "pool %q", typ)
	}

	p := &Pool{
		id:         id,
		typ:        typ,
		config:     config,
		setts:      setts,
		region:     reg,
		frags:      NewFragments(size),
		recs:       newrecords(config.retention),
		hsize:      lib.NewSizehistogram(),
		epoch:      epoch,
		clock:      o.clock,
		sink:       o.sink,
		onpressure: onpressure,
		logprefix:  fmt.Sprintf("POOL [%s]", typ),
	}
	infof("%v created on %v parent, tier:%v size:%v max:%v\n",
		p.logprefix, parent.Name(), config.tier, size, config.maxsize)
	return p, nil
}

// ID of this pool within its manager.
func (p *Pool) ID() api.Poolid {
	return p.id
}

// Type name of this pool.
func (p *Pool) Type() string {
	return p.typ
}

// Tier this pool is registered under.
func (p *Pool) Tier() api.Tier {
	return p.config.tier
}

// Settings pool was created with.
func (p *Pool) Settings() s.Settings {
	return p.setts
}

// Allocate `size` bytes with pool's default alignment.
func (p *Pool) Allocate(size int64, tag string) (api.Handle, error) {
	return p.AllocateAligned(size, 0, tag)
}

// AllocateAligned `size` bytes whose first byte is aligned to `align`.
// Zero align means pool's default alignment. If no free range fits, the
// region is grown once and the allocation retried.
func (p *Pool) AllocateAligned(size, align int64, tag string) (api.Handle, error) {
	if size <= 0 || size > p.config.maxalloc {
		p.n_failed.Inc()
		fmsg := "%v allocate %v, maxalloc %v"
		return 0, errors.Wrapf(ErrInvalidSize, fmsg, p.logprefix, size, p.config.maxalloc)
	}
	if align == 0 {
		align = p.config.alignment
	}
	if !lib.Ispowerof2(align) || align > p.config.maxalignment {
		p.n_failed.Inc()
		fmsg := "%v alignment %v, max %v"
		return 0, errors.Wrapf(ErrAlignment, fmsg, p.logprefix, align, p.config.maxalignment)
	}
	align = lib.Maxint64(align, p.config.alignment)
	length := lib.Alignup(size, p.config.alignment)

	p.rw.Lock()
	defer p.unlock()

	if err := p.writable(); err != nil {
		p.n_failed.Inc()
		return 0, err
	}
	offset, pad, err := p.frags.Alloc(length, align)
	if err != nil && !errors.Is(err, ErrCorrupted) {
		if err = p.grow(length + align - p.config.alignment); err == nil {
			offset, pad, err = p.frags.Alloc(length, align)
		}
	}
	if err != nil {
		p.n_failed.Inc()
		if errors.Is(err, ErrCorrupted) {
			p.degrade(err)
			return 0, errors.Wrapf(ErrPoolDegraded, "%v: %v", p.logprefix, err)
		} else if errors.Is(err, ErrPoolExhausted) {
			return 0, err
		}
		return 0, errors.Wrapf(ErrPoolExhausted, "%v: %v", p.logprefix, err)
	}

	rec := &record{
		offset: offset, length: length, pad: pad, size: size, align: align,
		tag: tag, born: p.clock.Now(), perms: api.PermReadWrite,
		mark: p.epoch.Load(),
	}
	slot := p.recs.alloc(rec)
	initblock(p.region.slice(offset, length))
	p.used += pad + length
	p.peak = lib.Maxint64(p.peak, p.used)
	p.hsize.Add(size)
	p.n_allocs.Inc()
	if float64(p.used) > p.config.gcthreshold*float64(p.region.size()) {
		p.pressured = true
	}
	return api.Makehandle(p.id, rec.gen, slot), nil
}

// Free allocation referred by handle. Freeing a handle twice is
// rejected with ErrDoubleFree, freeing a handle whose slot was reused
// is rejected with ErrUseAfterFree. Either leaves the pool untouched.
func (p *Pool) Free(h api.Handle) error {
	if h.Pool() != p.id {
		return errors.Wrapf(ErrInvalidHandle, "%v free %v", p.logprefix, h)
	}
	p.rw.Lock()
	defer p.unlock()

	if err := p.writable(); err != nil {
		return err
	}
	return p.free(h)
}

// free must be called with write lock held.
func (p *Pool) free(h api.Handle) error {
	rec, err := p.recs.validate(h, accessfree)
	if err != nil {
		if ev, ok := p.violation(h, err); ok {
			p.pending = append(p.pending, ev)
		}
		return err
	}
	return p.release(h.Slot(), rec)
}

// release a validated live record, must be called with write lock.
func (p *Pool) release(slot uint32, rec *record) error {
	start, n := rec.offset-rec.pad, rec.pad+rec.length
	if p.config.poison {
		p.region.fill(start, n, Poisonbyte)
	}
	if err := p.frags.Insertfree(start, n); err != nil {
		p.degrade(err)
		return errors.Wrapf(ErrPoolDegraded, "%v: %v", p.logprefix, err)
	}
	p.recs.release(slot, p.clock.Now())
	p.used -= n
	p.n_frees.Inc()
	return nil
}

// Read copy bytes from allocation, starting at `off`, into dst.
func (p *Pool) Read(h api.Handle, off int64, dst []byte) (n int, err error) {
	err = p.access(h, accessread, off, int64(len(dst)), func(rec *record) error {
		n = copy(dst, p.region.slice(rec.offset+off, int64(len(dst))))
		return nil
	})
	return n, err
}

// Write copy src into allocation starting at `off`.
func (p *Pool) Write(h api.Handle, off int64, src []byte) (n int, err error) {
	err = p.access(h, accesswrite, off, int64(len(src)), func(rec *record) error {
		n = copy(p.region.slice(rec.offset+off, int64(len(src))), src)
		return nil
	})
	return n, err
}

// Check validate a read access of `n` bytes at `off` without
// touching memory.
func (p *Pool) Check(h api.Handle, off, n int64) error {
	return p.access(h, accessread, off, n, func(*record) error { return nil })
}

// View call fn with the allocated bytes. The slice is valid only for
// the duration of fn, since compaction and resize relocate memory.
func (p *Pool) View(h api.Handle, fn func(data []byte) error) error {
	var size int64
	p.rw.RLock()
	if rec := p.recs.get(h.Slot()); rec != nil {
		size = rec.size
	}
	p.rw.RUnlock()
	return p.access(h, accessread, 0, size, func(rec *record) error {
		return fn(p.region.slice(rec.offset, rec.size))
	})
}

func (p *Pool) access(
	h api.Handle, mode accessmode, off, n int64, fn func(*record) error) error {

	if h.Pool() != p.id {
		return errors.Wrapf(ErrInvalidHandle, "%v %v %v", p.logprefix, mode, h)
	}

	p.rw.RLock()
	rec, err := p.recs.validate(h, mode)
	if p.closed {
		err = errors.Wrapf(ErrPoolClosed, "%v", p.logprefix)
	} else if mode == accesswrite && p.degraded {
		err = errors.Wrapf(ErrPoolDegraded, "%v", p.logprefix)
	}
	if err == nil {
		err = checkbounds(h, rec, off, n)
	}
	if err == nil {
		err = checkperm(h, rec, mode)
	}
	if err == nil {
		err = fn(rec)
	}
	p.rw.RUnlock()

	if ev, ok := p.violation(h, err); ok {
		p.sink.Event(ev)
	}
	return err
}

// Seal make allocation read-only, subsequent writes fail with
// ErrPermission.
func (p *Pool) Seal(h api.Handle) error {
	if h.Pool() != p.id {
		return errors.Wrapf(ErrInvalidHandle, "%v seal %v", p.logprefix, h)
	}
	p.rw.Lock()
	defer p.unlock()

	rec, err := p.recs.validate(h, accesswrite)
	if err != nil {
		if ev, ok := p.violation(h, err); ok {
			p.pending = append(p.pending, ev)
		}
		return err
	}
	rec.perms = api.PermRead
	return nil
}

// Lookup return the record for handle, live or the retained tombstone
// of a freed allocation. Once the tombstone is evicted and its slot
// reused Lookup return ErrUseAfterFree.
func (p *Pool) Lookup(h api.Handle) (Allocation, error) {
	if h.Pool() != p.id {
		return Allocation{}, errors.Wrapf(ErrInvalidHandle, "%v lookup %v", p.logprefix, h)
	}
	p.rw.RLock()
	defer p.rw.RUnlock()
	rec, err := p.recs.validate(h, accesslookup)
	if err != nil {
		return Allocation{}, err
	}
	return p.allocation(h, rec), nil
}

// Validate pool invariants: fragment table is coalesced and live
// records neither overlap each other nor free space.
func (p *Pool) Validate() error {
	p.rw.RLock()
	defer p.rw.RUnlock()

	if err := p.frags.Check(); err != nil {
		return err
	}
	type span struct{ start, end int64 }
	spans := make([]span, 0, p.recs.nlive)
	var used int64
	p.recs.walk(func(_ uint32, rec *record) bool {
		spans = append(spans, span{rec.offset - rec.pad, rec.offset + rec.length})
		used += rec.pad + rec.length
		return true
	})
	p.frags.Walk(func(frag Fragment) bool {
		spans = append(spans, span{frag.Offset, frag.end()})
		return true
	})
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i-1].end > spans[i].start {
			fmsg := "%v overlapping ranges [%v,%v) [%v,%v)"
			a, b := spans[i-1], spans[i]
			return errors.Wrapf(ErrCorrupted, fmsg, p.logprefix, a.start, a.end, b.start, b.end)
		}
	}
	if n := len(spans); n > 0 && spans[n-1].end > p.frags.Top() {
		return errors.Wrapf(ErrCorrupted, "%v range beyond top %v", p.logprefix, p.frags.Top())
	} else if used != p.used {
		return errors.Wrapf(ErrCorrupted, "%v used %v, accounted %v", p.logprefix, used, p.used)
	} else if used+p.frags.Free() != p.region.size() {
		fmsg := "%v used %v + free %v != size %v"
		return errors.Wrapf(ErrCorrupted, fmsg, p.logprefix, used, p.frags.Free(), p.region.size())
	}
	return nil
}

func (p *Pool) writable() error {
	if p.closed {
		return errors.Wrapf(ErrPoolClosed, "%v", p.logprefix)
	} else if p.degraded {
		return errors.Wrapf(ErrPoolDegraded, "%v", p.logprefix)
	}
	return nil
}

// degrade must be called with write lock.
func (p *Pool) degrade(err error) {
	if p.degraded {
		return
	}
	p.degraded = true
	errorf("%v degraded: %v\n", p.logprefix, err)
	ev := p.newevent(api.EventCorruption, api.SeverityCritical, 0, 0, err.Error())
	p.pending = append(p.pending, ev)
}

func (p *Pool) violation(h api.Handle, err error) (api.Event, bool) {
	kind, severity, ok := violationevent(err)
	if !ok {
		return api.Event{}, false
	}
	p.n_violations.Inc()
	debugf("%v %v\n", p.logprefix, err)
	return p.newevent(kind, severity, h, 0, err.Error()), true
}

func (p *Pool) newevent(
	kind api.Eventkind, severity api.Severity,
	h api.Handle, size int64, detail string) api.Event {

	return api.Event{
		Kind: kind, Severity: severity, Pool: p.typ, Handle: h,
		Size: size, Time: p.clock.Now(), Detail: detail,
	}
}

// unlock release the write lock and then deliver events queued while
// holding it.
func (p *Pool) unlock() {
	evs, pressured := p.pending, p.pressured
	p.pending, p.pressured = nil, false
	p.rw.Unlock()

	for _, ev := range evs {
		p.sink.Event(ev)
	}
	if pressured && p.onpressure != nil {
		p.onpressure(p)
	}
}

func (p *Pool) allocation(h api.Handle, rec *record) Allocation {
	return Allocation{
		Handle: h, Pool: p.typ, Offset: rec.offset, Length: rec.length,
		Pad: rec.pad, Size: rec.size, Tag: rec.tag, Born: rec.born,
		Died: rec.died, Perms: rec.perms, Live: rec.live,
	}
}

// Close release the region back to parent. Live records are dropped
// and returned as leaks.
func (p *Pool) Close() []Allocation {
	p.rw.Lock()
	defer p.unlock()

	if p.closed {
		return nil
	}
	leaks := make([]Allocation, 0)
	p.recs.walk(func(slot uint32, rec *record) bool {
		h := api.Makehandle(p.id, rec.gen, slot)
		leaks = append(leaks, p.allocation(h, rec))
		return true
	})
	p.closed = true
	p.region.release()
	infof("%v closed with %v leaks\n", p.logprefix, len(leaks))
	return leaks
}

func (p *Pool) String() string {
	return p.logprefix
}
