package malloc

import "context"
import "fmt"
import "sync"
import "time"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import "github.com/coder/quartz"
import "github.com/pkg/errors"
import "go.uber.org/atomic"

// Reclaimstate of the reclamation engine.
type Reclaimstate int32

const (
	Reclaimidle Reclaimstate = iota
	Reclaimmarking
	Reclaimsweeping
	Reclaimcompacting
	Reclaimerror
)

func (state Reclaimstate) String() string {
	switch state {
	case Reclaimidle:
		return "idle"
	case Reclaimmarking:
		return "marking"
	case Reclaimsweeping:
		return "sweeping"
	case Reclaimcompacting:
		return "compacting"
	case Reclaimerror:
		return "error"
	}
	return fmt.Sprintf("reclaimstate(%d)", int32(state))
}

// Reclaimreport outcome of one reclamation cycle. A failed cycle has
// State Reclaimerror, Phase names where it failed and the counters
// hold the partial work done.
type Reclaimreport struct {
	ID         int64
	Start      time.Time
	End        time.Time
	State      Reclaimstate
	Phase      Reclaimstate
	Marked     int64 // reachable live records found
	Swept      int64 // unreachable records freed
	Bytesfreed int64
	Compacted  int64 // pools compacted
	Moved      int64 // bytes relocated by compaction
	Err        error
}

// Duration of the cycle.
func (report Reclaimreport) Duration() time.Duration {
	return report.End.Sub(report.Start)
}

func (report Reclaimreport) String() string {
	fmsg := "cycle-%v{%v marked:%v swept:%v freed:%v compacted:%v took:%v}"
	return fmt.Sprintf(fmsg, report.ID, report.State, report.Marked,
		report.Swept, report.Bytesfreed, report.Compacted, report.Duration())
}

// Reclaimstats summary of reclamation history.
type Reclaimstats struct {
	Cycles    int64
	Errors    int64
	State     Reclaimstate
	Last      Reclaimreport
	Durations map[string]interface{} // cycle duration in nanoseconds
}

// Reclaimer is the mark-sweep-compact engine. One cycle runs at a
// time, pools are swept one at a time in ascending id order, each
// under its own write lock.
type Reclaimer struct {
	n_cycles atomic.Int64
	n_errors atomic.Int64
	state    atomic.Int32

	mu        sync.Mutex // held for the duration of a cycle
	hmu       sync.Mutex // protects history
	history   []Reclaimreport
	hpos      int
	nextid    int64
	durations lib.AverageInt64

	epoch     *atomic.Uint64
	clock     quartz.Clock
	sink      api.Eventsink
	logprefix string
}

func newreclaimer(
	name string, epoch *atomic.Uint64, clock quartz.Clock,
	sink api.Eventsink, history int64) *Reclaimer {

	return &Reclaimer{
		history:   make([]Reclaimreport, 0, history),
		epoch:     epoch,
		clock:     clock,
		sink:      sink,
		logprefix: fmt.Sprintf("RECLAIM [%s]", name),
	}
}

// State of the engine, Reclaimerror persists until next cycle starts.
func (rc *Reclaimer) State() Reclaimstate {
	return Reclaimstate(rc.state.Load())
}

func (rc *Reclaimer) setstate(report *Reclaimreport, state Reclaimstate) {
	rc.state.Store(int32(state))
	report.Phase = state
}

// run one full cycle. Pools shall be in ascending id order, resolve
// map a handle's pool id to its pool, nil if unknown.
func (rc *Reclaimer) run(
	ctx context.Context, roots api.RootEnumerator, walker api.GraphWalker,
	pools []*Pool, resolve func(api.Poolid) *Pool) (Reclaimreport, error) {

	if !rc.mu.TryLock() {
		return Reclaimreport{}, ErrReclaimBusy
	}
	defer rc.mu.Unlock()

	report := rc.begin()
	epoch := rc.epoch.Inc()

	rc.setstate(&report, Reclaimmarking)
	marked, err := rc.mark(ctx, roots, walker, resolve, epoch)
	report.Marked = marked
	if err != nil {
		return rc.finish(report, err)
	}

	rc.setstate(&report, Reclaimsweeping)
	for _, p := range pools {
		if !p.config.reclaim {
			continue
		}
		swept, freed, err := p.sweep(ctx, epoch, nil)
		report.Swept, report.Bytesfreed = report.Swept+swept, report.Bytesfreed+freed
		if err != nil {
			return rc.finish(report, err)
		}
	}

	rc.setstate(&report, Reclaimcompacting)
	for _, p := range pools {
		if !p.config.reclaim {
			continue
		}
		if moved, ok := p.compactifneeded(); ok {
			report.Compacted++
			report.Moved += moved
		}
	}
	return rc.finish(report, nil)
}

// forced pass against a single pool, used when destroying it. Every
// live record of target not reachable from roots is freed and returned
// as leak.
func (rc *Reclaimer) forced(
	ctx context.Context, roots api.RootEnumerator, walker api.GraphWalker,
	target *Pool, resolve func(api.Poolid) *Pool) ([]Allocation, Reclaimreport, error) {

	rc.mu.Lock()
	defer rc.mu.Unlock()

	report := rc.begin()
	epoch := rc.epoch.Inc()

	rc.setstate(&report, Reclaimmarking)
	marked, err := rc.mark(ctx, roots, walker, resolve, epoch)
	report.Marked = marked
	if err != nil {
		report, err = rc.finish(report, err)
		return nil, report, err
	}

	rc.setstate(&report, Reclaimsweeping)
	leaks := make([]Allocation, 0)
	swept, freed, err := target.sweep(ctx, epoch, &leaks)
	report.Swept, report.Bytesfreed = swept, freed
	report, err = rc.finish(report, err)
	return leaks, report, err
}

func (rc *Reclaimer) begin() Reclaimreport {
	rc.hmu.Lock()
	rc.nextid++
	id := rc.nextid
	rc.hmu.Unlock()
	return Reclaimreport{ID: id, Start: rc.clock.Now()}
}

func (rc *Reclaimer) mark(
	ctx context.Context, roots api.RootEnumerator, walker api.GraphWalker,
	resolve func(api.Poolid) *Pool, epoch uint64) (marked int64, err error) {

	stack := make([]api.Handle, 0, 64)
	push := func(h api.Handle) bool {
		stack = append(stack, h)
		return true
	}
	if roots != nil {
		err = safecall("roots", func() error { return roots.Roots(push) })
		if err != nil {
			return 0, err
		}
	}

	visited := make(map[api.Handle]struct{})
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return marked, errors.Wrapf(ErrReclaimTimeout, "marking: %v", err)
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[h]; ok {
			continue
		}
		visited[h] = struct{}{}

		p := resolve(h.Pool())
		if p == nil || !p.mark(h, epoch) {
			continue
		}
		marked++
		if walker != nil {
			fn := func() error { return walker.Children(h, push) }
			if err = safecall("walker", fn); err != nil {
				return marked, err
			}
		}
	}
	return marked, nil
}

func (rc *Reclaimer) finish(report Reclaimreport, err error) (Reclaimreport, error) {
	report.End = rc.clock.Now()
	report.State, report.Err = Reclaimidle, err
	severity := api.SeverityInfo
	if err != nil {
		report.State, severity = Reclaimerror, api.SeverityWarning
		rc.state.Store(int32(Reclaimerror))
		rc.n_errors.Inc()
		warnf("%v cycle %v failed in %v: %v\n", rc.logprefix, report.ID, report.Phase, err)
	} else {
		rc.state.Store(int32(Reclaimidle))
		debugf("%v %v\n", rc.logprefix, report)
	}
	rc.n_cycles.Inc()

	rc.hmu.Lock()
	if len(rc.history) < cap(rc.history) {
		rc.history = append(rc.history, report)
	} else {
		rc.history[rc.hpos] = report
		rc.hpos = (rc.hpos + 1) % len(rc.history)
	}
	rc.durations.Add(int64(report.Duration()))
	rc.hmu.Unlock()

	detail := report.String()
	if err != nil {
		detail = fmt.Sprintf("%v: %v", detail, err)
	}
	rc.sink.Event(api.Event{
		Kind: api.EventReclaim, Severity: severity, Size: report.Bytesfreed,
		Time: report.End, Detail: detail,
	})
	return report, err
}

// History of recent cycles, oldest first.
func (rc *Reclaimer) History() []Reclaimreport {
	rc.hmu.Lock()
	defer rc.hmu.Unlock()
	reports := make([]Reclaimreport, 0, len(rc.history))
	reports = append(reports, rc.history[rc.hpos:]...)
	return append(reports, rc.history[:rc.hpos]...)
}

// Stats of reclamation engine.
func (rc *Reclaimer) Stats() Reclaimstats {
	rc.hmu.Lock()
	defer rc.hmu.Unlock()
	stats := Reclaimstats{
		Cycles:    rc.n_cycles.Load(),
		Errors:    rc.n_errors.Load(),
		State:     rc.State(),
		Durations: rc.durations.Stats(),
	}
	if n := len(rc.history); n > 0 {
		stats.Last = rc.history[(rc.hpos+n-1)%n]
	}
	return stats
}

// safecall invoke application callback, turning errors and panics
// into ErrReclaimCallback.
func safecall(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrReclaimCallback, "%v panic: %v", what, r)
		}
	}()
	if err = fn(); err != nil {
		err = errors.Wrapf(ErrReclaimCallback, "%v: %v", what, err)
	}
	return err
}

// mark record referred by h as reachable in epoch. Return false for
// invalid, stale or dead handles.
func (p *Pool) mark(h api.Handle, epoch uint64) bool {
	p.rw.Lock()
	defer p.rw.Unlock()

	rec := p.recs.get(h.Slot())
	if p.closed || rec == nil || !rec.live || rec.gen != h.Generation() {
		return false
	}
	rec.mark = epoch
	return true
}

// sweep free every live record not marked in epoch, through the same
// path as Free. Already freed records are skipped, so sweeping again is
// a no-op. If leaks is not nil freed records are appended to it.
func (p *Pool) sweep(
	ctx context.Context, epoch uint64, leaks *[]Allocation) (swept, freed int64, err error) {

	p.rw.Lock()
	defer p.unlock()

	if p.closed || p.degraded {
		return 0, 0, nil
	}
	n := 0
	p.recs.walk(func(slot uint32, rec *record) bool {
		if n++; n%64 == 0 && ctx.Err() != nil {
			err = errors.Wrapf(ErrReclaimTimeout, "%v sweeping: %v", p.logprefix, ctx.Err())
			return false
		} else if rec.mark == epoch {
			return true
		}
		h := api.Makehandle(p.id, rec.gen, slot)
		if leaks != nil {
			*leaks = append(*leaks, p.allocation(h, rec))
		}
		length := rec.pad + rec.length
		if err = p.release(slot, rec); err != nil {
			return false
		}
		swept, freed = swept+1, freed+length
		return true
	})
	p.n_reclaimed.Add(swept)
	p.recs.purge()
	if swept > 0 {
		debugf("%v swept %v records, %v bytes\n", p.logprefix, swept, freed)
	}
	return swept, freed, err
}

func (p *Pool) compactifneeded() (int64, bool) {
	p.rw.Lock()
	defer p.unlock()

	if p.closed || p.degraded || !p.compactable() {
		return 0, false
	}
	return p.compact(), true
}
