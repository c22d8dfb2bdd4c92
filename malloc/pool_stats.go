package malloc

import "fmt"

import "github.com/berrym/lusush-sub005/api"
import humanize "github.com/dustin/go-humanize"

// PoolStats snapshot of a pool.
type PoolStats struct {
	ID            api.Poolid
	Type          string
	Tier          api.Tier
	Size          int64 // current region size
	Used          int64 // bytes consumed by live allocations
	Peak          int64
	Free          int64
	Fragments     int
	Largest       int64 // largest free range
	Fragmentation float64
	Live          int64
	Tombstones    int
	Allocs        int64
	Frees         int64
	Failed        int64
	Grows         int64
	Shrinks       int64
	Compactions   int64
	Reclaimed     int64
	Violations    int64
	Degraded      bool
	Sizes         map[int64]int64 // allocation size histogram
}

// Stats return a consistent snapshot of pool statistics.
func (p *Pool) Stats() PoolStats {
	p.rw.RLock()
	defer p.rw.RUnlock()

	var size int64
	if !p.closed {
		size = p.region.size()
	}
	return PoolStats{
		ID:            p.id,
		Type:          p.typ,
		Tier:          p.config.tier,
		Size:          size,
		Used:          p.used,
		Peak:          p.peak,
		Free:          p.frags.Free(),
		Fragments:     p.frags.Count(),
		Largest:       p.frags.Largest(),
		Fragmentation: p.frags.Fragmentation(),
		Live:          p.recs.nlive,
		Tombstones:    p.recs.tombstones(),
		Allocs:        p.n_allocs.Load(),
		Frees:         p.n_frees.Load(),
		Failed:        p.n_failed.Load(),
		Grows:         p.n_grows.Load(),
		Shrinks:       p.n_shrinks.Load(),
		Compactions:   p.n_compacts.Load(),
		Reclaimed:     p.n_reclaimed.Load(),
		Violations:    p.n_violations.Load(),
		Degraded:      p.degraded,
		Sizes:         p.hsize.Buckets(),
	}
}

// Utilization fraction of region used by live allocations.
func (ps PoolStats) Utilization() float64 {
	if ps.Size == 0 {
		return 0
	}
	return float64(ps.Used) / float64(ps.Size)
}

// Map return stats as map, suitable for json encoding.
func (ps PoolStats) Map() map[string]interface{} {
	return map[string]interface{}{
		"id":            ps.ID,
		"type":          ps.Type,
		"tier":          ps.Tier.String(),
		"size":          ps.Size,
		"used":          ps.Used,
		"peak":          ps.Peak,
		"free":          ps.Free,
		"fragments":     ps.Fragments,
		"largest":       ps.Largest,
		"fragmentation": ps.Fragmentation,
		"live":          ps.Live,
		"tombstones":    ps.Tombstones,
		"n_allocs":      ps.Allocs,
		"n_frees":       ps.Frees,
		"n_failed":      ps.Failed,
		"n_grows":       ps.Grows,
		"n_shrinks":     ps.Shrinks,
		"n_compacts":    ps.Compactions,
		"n_reclaimed":   ps.Reclaimed,
		"n_violations":  ps.Violations,
		"degraded":      ps.Degraded,
	}
}

// Logstring one line summary, sizes humanized.
func (ps PoolStats) Logstring() string {
	fmsg := "%v{%v size:%v used:%v peak:%v frags:%v(%.2f) live:%v " +
		"allocs:%v frees:%v failed:%v grows:%v shrinks:%v}"
	return fmt.Sprintf(fmsg, ps.Type, ps.Tier,
		humanize.Bytes(uint64(ps.Size)), humanize.Bytes(uint64(ps.Used)),
		humanize.Bytes(uint64(ps.Peak)), ps.Fragments, ps.Fragmentation,
		ps.Live, ps.Allocs, ps.Frees, ps.Failed, ps.Grows, ps.Shrinks)
}
