package malloc

import "sync"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import "github.com/pkg/errors"
import "go.uber.org/atomic"

// Allocationstats per tier counters kept by the hierarchy.
type Allocationstats struct {
	Primary     int64
	Secondary   int64
	Large       int64
	Emergency   int64
	Failed      [api.Ntiers]int64 // tier exhausted, request fell through
	Outofmemory int64
}

// Hierarchy route requests to pools by size, falling back tier by
// tier upto the emergency tier. Pools are owned by the manager, the
// hierarchy only refers to them.
type Hierarchy struct {
	n_allocs [api.Ntiers]atomic.Int64
	n_failed [api.Ntiers]atomic.Int64
	n_oom    atomic.Int64

	primary   int64
	secondary int64
	rw        sync.RWMutex
	tiers     [api.Ntiers][]*Pool
	onoom     func()
}

// NewHierarchy with size thresholds for primary and secondary tiers.
func NewHierarchy(primary, secondary int64) *Hierarchy {
	return &Hierarchy{primary: primary, secondary: secondary}
}

// Register pool under its tier. Within a tier pools are tried in the
// order they are registered.
func (hy *Hierarchy) Register(p *Pool) {
	hy.rw.Lock()
	defer hy.rw.Unlock()
	tier := p.Tier()
	hy.tiers[tier] = append(hy.tiers[tier], p)
}

// Unregister pool, hierarchy stops routing to it.
func (hy *Hierarchy) Unregister(p *Pool) {
	hy.rw.Lock()
	defer hy.rw.Unlock()
	tier := p.Tier()
	pools := make([]*Pool, 0, len(hy.tiers[tier]))
	for _, q := range hy.tiers[tier] {
		if q != p {
			pools = append(pools, q)
		}
	}
	hy.tiers[tier] = pools
}

// Classify request size into the tier that serves it first.
func (hy *Hierarchy) Classify(size int64) api.Tier {
	if size <= hy.primary {
		return api.Primary
	} else if size <= hy.secondary {
		return api.Secondary
	}
	return api.Large
}

// Allocate `size` bytes. If hint is not nil it is tried first, then
// pools of the classified tier and every tier after it, including
// emergency. Return the handle and the pool that served it.
func (hy *Hierarchy) Allocate(
	hint *Pool, size, align int64, tag string) (api.Handle, *Pool, error) {

	if size <= 0 {
		return 0, nil, errors.Wrapf(ErrInvalidSize, "allocate %v", size)
	} else if align != 0 && !lib.Ispowerof2(align) {
		return 0, nil, errors.Wrapf(ErrAlignment, "allocate alignment %v", align)
	}

	var lasterr error
	var failed [api.Ntiers]bool
	exhausted := false

	attempt := func(p *Pool) (api.Handle, bool) {
		h, err := p.AllocateAligned(size, align, tag)
		if err == nil {
			hy.n_allocs[p.Tier()].Inc()
			return h, true
		}
		failed[p.Tier()], lasterr = true, err
		exhausted = exhausted || Isexhausted(err)
		return 0, false
	}

	if hint != nil {
		if h, ok := attempt(hint); ok {
			return h, hint, nil
		}
		// counted now, routing may still be served from hint's tier.
		hy.n_failed[hint.Tier()].Inc()
		failed[hint.Tier()] = false
	}

	hy.rw.RLock()
	tiers := hy.tiers
	hy.rw.RUnlock()

	for tier := hy.Classify(size); tier <= api.Emergency; tier++ {
		for _, p := range tiers[tier] {
			if p == hint {
				continue
			} else if h, ok := attempt(p); ok {
				hy.countfailed(failed, tier)
				return h, p, nil
			}
		}
	}
	hy.countfailed(failed, -1)

	if lasterr != nil && !exhausted {
		return 0, nil, lasterr
	}
	hy.n_oom.Inc()
	if hy.onoom != nil {
		hy.onoom()
	}
	if lasterr == nil {
		return 0, nil, errors.Wrapf(ErrOutOfMemory, "allocate %v, no pools", size)
	}
	return 0, nil, errors.Wrapf(ErrOutOfMemory, "allocate %v: %v", size, lasterr)
}

// countfailed increment failure counters of tiers that could not
// serve the request, except the tier that finally did.
func (hy *Hierarchy) countfailed(failed [api.Ntiers]bool, served api.Tier) {
	for tier, ok := range failed {
		if ok && api.Tier(tier) != served {
			hy.n_failed[tier].Inc()
		}
	}
}

// Pools registered under tier.
func (hy *Hierarchy) Pools(tier api.Tier) []*Pool {
	hy.rw.RLock()
	defer hy.rw.RUnlock()
	return append([]*Pool(nil), hy.tiers[tier]...)
}

// Stats return per tier counters.
func (hy *Hierarchy) Stats() Allocationstats {
	stats := Allocationstats{
		Primary:     hy.n_allocs[api.Primary].Load(),
		Secondary:   hy.n_allocs[api.Secondary].Load(),
		Large:       hy.n_allocs[api.Large].Load(),
		Emergency:   hy.n_allocs[api.Emergency].Load(),
		Outofmemory: hy.n_oom.Load(),
	}
	for tier := range stats.Failed {
		stats.Failed[tier] = hy.n_failed[tier].Load()
	}
	return stats
}
