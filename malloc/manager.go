package malloc

import "context"
import "fmt"
import "sort"
import "sync"

import "github.com/berrym/lusush-sub005/api"
import s "github.com/bnclabs/gosettings"
import "github.com/pkg/errors"
import "go.uber.org/atomic"

// Leakreport list allocations that had to be reclaimed forcibly when
// a pool was destroyed or the manager closed.
type Leakreport struct {
	Pool  string
	ID    api.Poolid
	Leaks []Allocation
	Bytes int64
}

// Manager own every pool and the hierarchy routing between them, and
// drive reclamation. Managers are independent of each other, there is
// no process wide instance.
type Manager struct {
	name   string
	config managerconfig
	setts  s.Settings
	opts   options

	rw     sync.RWMutex
	pools    [api.Maxpools + 1]*Pool // indexed by Poolid, 0 unused
	bytype   map[string]*Pool
	retiring map[string]bool // types being destroyed
	closed   bool

	epoch     *atomic.Uint64
	hierarchy *Hierarchy
	reclaimer *Reclaimer
	pressure  chan struct{}
	sched     *scheduler
	logprefix string
}

// NewManager create a pool manager. Settings are applied over
// Managersettings().
func NewManager(name string, setts s.Settings, opts ...Option) (*Manager, error) {
	setts = make(s.Settings).Mixin(Managersettings(), setts)
	config, err := readmanagersettings(setts)
	if err != nil {
		return nil, err
	}
	o := newoptions(opts)
	m := &Manager{
		name:      name,
		config:    config,
		setts:     setts,
		opts:      o,
		bytype:    make(map[string]*Pool),
		retiring:  make(map[string]bool),
		epoch:     atomic.NewUint64(0),
		pressure:  make(chan struct{}, 1),
		logprefix: fmt.Sprintf("MANAGER [%s]", name),
	}
	m.hierarchy = NewHierarchy(config.primary, config.secondary)
	m.hierarchy.onoom = m.onoom
	m.reclaimer = newreclaimer(name, m.epoch, o.clock, o.sink, config.history)
	infof("%v started, hierarchy {%v %v}\n", m.logprefix, config.primary, config.secondary)
	return m, nil
}

// CreatePool of type `typ`, at most one pool per type. Settings are
// applied over Poolsettings(typ).
func (m *Manager) CreatePool(typ string, setts s.Settings) (api.Poolid, error) {
	m.rw.Lock()
	defer m.rw.Unlock()

	if m.closed {
		return 0, ErrManagerClosed
	} else if _, ok := m.bytype[typ]; ok || m.retiring[typ] {
		return 0, errors.Wrapf(ErrDuplicateType, "%v pool %q", m.logprefix, typ)
	}
	id := api.Poolid(0)
	for i := 1; i <= api.Maxpools; i++ {
		if m.pools[i] == nil {
			id = api.Poolid(i)
			break
		}
	}
	if id == 0 {
		return 0, errors.Wrapf(ErrTooManyPools, "%v pool %q", m.logprefix, typ)
	}
	p, err := newpool(id, typ, setts, m.opts, m.epoch, m.onpressure)
	if err != nil {
		return 0, err
	}
	m.pools[id], m.bytype[typ] = p, p
	m.hierarchy.Register(p)
	return id, nil
}

// DestroyPool release pool `id`. The pool is first taken out of routing,
// so no new allocation can reach it. If live allocations remain, a
// forced reclamation pass is run against roots and walker, every
// unreachable allocation is freed and reported as leak. If reachable
// allocations still remain the pool is put back and ErrLiveAllocations
// returned. Allocations that landed in the pool while it was taken out
// of routing are released with it and reported as leaks.
func (m *Manager) DestroyPool(
	id api.Poolid, roots api.RootEnumerator, walker api.GraphWalker) (Leakreport, error) {

	p, err := m.retire(id)
	if err != nil {
		return Leakreport{}, err
	}
	report := Leakreport{Pool: p.Type(), ID: id}

	if p.Stats().Live > 0 {
		ctx, cancel := m.reclaimctx(context.Background())
		leaks, _, err := m.reclaimer.forced(ctx, roots, walker, p, m.Pool)
		cancel()
		report.addleaks(leaks)
		if err != nil {
			m.reportleaks(report)
			m.restore(p)
			return report, err
		} else if live := p.Stats().Live; live > 0 {
			m.reportleaks(report)
			m.restore(p)
			fmsg := "%v destroy %v, %v reachable"
			return report, errors.Wrapf(ErrLiveAllocations, fmsg, m.logprefix, p.Type(), live)
		}
	}

	m.rw.Lock()
	m.pools[id] = nil
	delete(m.retiring, p.Type())
	m.rw.Unlock()

	report.addleaks(p.Close())
	m.reportleaks(report)
	infof("%v destroyed pool %v with %v leaks\n", m.logprefix, p.Type(), len(report.Leaks))
	return report, nil
}

// retire pool `id` from type lookup and hierarchy. The pool stays
// resolvable by id, for marking and for frees of existing handles.
func (m *Manager) retire(id api.Poolid) (*Pool, error) {
	m.rw.Lock()
	defer m.rw.Unlock()

	var p *Pool
	if int(id) < len(m.pools) {
		p = m.pools[id]
	}
	if p == nil || m.retiring[p.Type()] {
		return nil, errors.Wrapf(ErrUnknownPool, "%v destroy %v", m.logprefix, id)
	}
	m.retiring[p.Type()] = true
	delete(m.bytype, p.Type())
	m.hierarchy.Unregister(p)
	return p, nil
}

// restore a retired pool into type lookup and hierarchy.
func (m *Manager) restore(p *Pool) {
	m.rw.Lock()
	defer m.rw.Unlock()

	delete(m.retiring, p.Type())
	m.bytype[p.Type()] = p
	m.hierarchy.Register(p)
}

func (report *Leakreport) addleaks(leaks []Allocation) {
	for _, leak := range leaks {
		report.Leaks = append(report.Leaks, leak)
		report.Bytes += leak.Length
	}
}

// Pool return pool by id, nil if unknown.
func (m *Manager) Pool(id api.Poolid) *Pool {
	m.rw.RLock()
	defer m.rw.RUnlock()
	return m.pools[id]
}

// Poolbytype return pool by type, nil if unknown.
func (m *Manager) Poolbytype(typ string) *Pool {
	m.rw.RLock()
	defer m.rw.RUnlock()
	return m.bytype[typ]
}

// Hierarchy used for routing allocations.
func (m *Manager) Hierarchy() *Hierarchy {
	return m.hierarchy
}

// Allocate `size` bytes. Pool of type `hint` is tried first, then the
// hierarchy routes by size. A hint naming a well known type that has
// no pool yet creates one, if "autocreate" is enabled.
func (m *Manager) Allocate(hint string, size int64, tag string) (api.Handle, error) {
	return m.AllocateAligned(hint, size, 0, tag)
}

// AllocateAligned same as Allocate with alignment, zero align means
// pool's default.
func (m *Manager) AllocateAligned(
	hint string, size, align int64, tag string) (api.Handle, error) {

	m.rw.RLock()
	closed, hintpool := m.closed, m.bytype[hint]
	m.rw.RUnlock()

	if closed {
		return 0, ErrManagerClosed
	} else if hintpool == nil && m.config.autocreate && iswellknown(hint) {
		_, err := m.CreatePool(hint, nil)
		if err != nil && !errors.Is(err, ErrDuplicateType) {
			return 0, err
		}
		hintpool = m.Poolbytype(hint)
	}
	h, _, err := m.hierarchy.Allocate(hintpool, size, align, tag)
	return h, err
}

// Free allocation referred by handle.
func (m *Manager) Free(h api.Handle) error {
	p, err := m.resolve(h)
	if err != nil {
		return err
	}
	return p.Free(h)
}

// Read from allocation referred by handle, see Pool.Read.
func (m *Manager) Read(h api.Handle, off int64, dst []byte) (int, error) {
	p, err := m.resolve(h)
	if err != nil {
		return 0, err
	}
	return p.Read(h, off, dst)
}

// Write to allocation referred by handle, see Pool.Write.
func (m *Manager) Write(h api.Handle, off int64, src []byte) (int, error) {
	p, err := m.resolve(h)
	if err != nil {
		return 0, err
	}
	return p.Write(h, off, src)
}

// Check access through handle, see Pool.Check.
func (m *Manager) Check(h api.Handle, off, n int64) error {
	p, err := m.resolve(h)
	if err != nil {
		return err
	}
	return p.Check(h, off, n)
}

// View allocation referred by handle, see Pool.View.
func (m *Manager) View(h api.Handle, fn func(data []byte) error) error {
	p, err := m.resolve(h)
	if err != nil {
		return err
	}
	return p.View(h, fn)
}

// Seal allocation referred by handle, see Pool.Seal.
func (m *Manager) Seal(h api.Handle) error {
	p, err := m.resolve(h)
	if err != nil {
		return err
	}
	return p.Seal(h)
}

// Lookup record of handle, see Pool.Lookup.
func (m *Manager) Lookup(h api.Handle) (Allocation, error) {
	p, err := m.resolve(h)
	if err != nil {
		return Allocation{}, err
	}
	return p.Lookup(h)
}

// RunReclamation run one mark-sweep-compact cycle over every pool.
// Objects reachable from roots, directly or through walker, stay live,
// every other live allocation is freed. Return ErrReclaimBusy if a
// cycle is already running.
func (m *Manager) RunReclamation(
	ctx context.Context,
	roots api.RootEnumerator, walker api.GraphWalker) (Reclaimreport, error) {

	m.rw.RLock()
	closed := m.closed
	m.rw.RUnlock()
	if closed {
		return Reclaimreport{}, ErrManagerClosed
	}

	ctx, cancel := m.reclaimctx(ctx)
	defer cancel()
	return m.reclaimer.run(ctx, roots, walker, m.poollist(), m.Pool)
}

// Reclaimer return the reclamation engine.
func (m *Manager) Reclaimer() *Reclaimer {
	return m.reclaimer
}

// Start background scheduling of reclamation and shrink passes. Stop
// with Close, or by cancelling ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.rw.Lock()
	defer m.rw.Unlock()

	if m.closed {
		return ErrManagerClosed
	} else if m.sched != nil {
		return nil
	}
	m.sched = newscheduler(m)
	m.sched.start(ctx)
	return nil
}

// Close stop the scheduler and release every pool. Live allocations
// are reclaimed forcibly and returned as leaks, one report per pool
// that had any.
func (m *Manager) Close() ([]Leakreport, error) {
	m.rw.Lock()
	if m.closed {
		m.rw.Unlock()
		return nil, ErrManagerClosed
	}
	m.closed = true
	sched := m.sched
	m.rw.Unlock()

	if sched != nil {
		sched.stop()
	}

	reports := make([]Leakreport, 0)
	for _, p := range m.poollist() {
		m.hierarchy.Unregister(p)
		leaks := p.Close()
		if len(leaks) == 0 {
			continue
		}
		report := Leakreport{Pool: p.Type(), ID: p.ID()}
		report.addleaks(leaks)
		m.reportleaks(report)
		reports = append(reports, report)
	}
	infof("%v closed, %v pools leaked\n", m.logprefix, len(reports))
	return reports, nil
}

// poollist return pools in ascending id order, which is also the lock
// order followed by reclamation.
func (m *Manager) poollist() []*Pool {
	m.rw.RLock()
	defer m.rw.RUnlock()
	pools := make([]*Pool, 0, len(m.bytype))
	for _, p := range m.pools {
		if p != nil {
			pools = append(pools, p)
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].id < pools[j].id })
	return pools
}

func (m *Manager) resolve(h api.Handle) (*Pool, error) {
	if h.IsZero() {
		return nil, errors.Wrapf(ErrInvalidHandle, "%v %v", m.logprefix, h)
	}
	p := m.Pool(h.Pool())
	if p == nil {
		return nil, errors.Wrapf(ErrUnknownPool, "%v %v", m.logprefix, h)
	}
	return p, nil
}

func (m *Manager) reclaimctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.timeout > 0 {
		return context.WithTimeout(ctx, m.config.timeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) reportleaks(report Leakreport) {
	if len(report.Leaks) == 0 {
		return
	}
	warnf("%v pool %v leaked %v allocations, %v bytes\n",
		m.logprefix, report.Pool, len(report.Leaks), report.Bytes)
	for _, leak := range report.Leaks {
		m.opts.sink.Event(api.Event{
			Kind: api.EventLeak, Severity: api.SeverityWarning,
			Pool: report.Pool, Handle: leak.Handle, Size: leak.Size,
			Time: m.opts.clock.Now(), Detail: leak.Tag,
		})
	}
}

// onpressure is called by pools, without lock, when utilization
// crosses gcthreshold.
func (m *Manager) onpressure(p *Pool) {
	if m.signalpressure() {
		m.opts.sink.Event(api.Event{
			Kind: api.EventPressure, Severity: api.SeverityInfo, Pool: p.Type(),
			Time: m.opts.clock.Now(),
		})
	}
}

// onoom is called by hierarchy when every tier failed.
func (m *Manager) onoom() {
	m.opts.sink.Event(api.Event{
		Kind: api.EventOutOfMemory, Severity: api.SeverityCritical,
		Time: m.opts.clock.Now(),
	})
	m.signalpressure()
}

// signalpressure post a reclamation request for the scheduler, return
// false if one is already pending.
func (m *Manager) signalpressure() bool {
	select {
	case m.pressure <- struct{}{}:
		return true
	default:
	}
	return false
}

func iswellknown(typ string) bool {
	switch typ {
	case api.Pooltypebuffer, api.Pooltypeevent, api.Pooltypestring:
		return true
	case api.Pooltypetemp, api.Pooltypeemergency:
		return true
	}
	return false
}
