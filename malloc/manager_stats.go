package malloc

import "fmt"
import "strings"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import "github.com/bnclabs/golog"
import humanize "github.com/dustin/go-humanize"

// Managerstats aggregate statistics of a manager.
type Managerstats struct {
	Name       string
	Size       int64 // sum of region sizes
	Used       int64
	Peak       int64 // sum of per pool peaks
	Pools      []PoolStats
	Allocation Allocationstats
	Reclaim    Reclaimstats
}

// Stats return per pool, per tier and reclamation statistics. Each pool
// is snapshotted under its own read lock.
func (m *Manager) Stats() Managerstats {
	stats := Managerstats{
		Name:       m.name,
		Allocation: m.hierarchy.Stats(),
		Reclaim:    m.reclaimer.Stats(),
	}
	for _, p := range m.poollist() {
		ps := p.Stats()
		stats.Size, stats.Used, stats.Peak = stats.Size+ps.Size, stats.Used+ps.Used, stats.Peak+ps.Peak
		stats.Pools = append(stats.Pools, ps)
	}
	return stats
}

// Pool stats by type, false if no such pool.
func (stats Managerstats) Pool(typ string) (PoolStats, bool) {
	for _, ps := range stats.Pools {
		if ps.Type == typ {
			return ps, true
		}
	}
	return PoolStats{}, false
}

// Map return stats as map, suitable for json encoding.
func (stats Managerstats) Map() map[string]interface{} {
	pools := make(map[string]interface{})
	for _, ps := range stats.Pools {
		pools[ps.Type] = ps.Map()
	}
	failed := make(map[string]interface{})
	for tier, n := range stats.Allocation.Failed {
		failed[api.Tier(tier).String()] = n
	}
	return map[string]interface{}{
		"name":               stats.Name,
		"size":               stats.Size,
		"used":               stats.Used,
		"peak":               stats.Peak,
		"pools":              pools,
		"n_primary":          stats.Allocation.Primary,
		"n_secondary":        stats.Allocation.Secondary,
		"n_large":            stats.Allocation.Large,
		"n_emergency":        stats.Allocation.Emergency,
		"n_failed":           failed,
		"n_outofmemory":      stats.Allocation.Outofmemory,
		"reclaim.cycles":     stats.Reclaim.Cycles,
		"reclaim.errors":     stats.Reclaim.Errors,
		"reclaim.state":      stats.Reclaim.State.String(),
		"reclaim.durations":  stats.Reclaim.Durations,
		"reclaim.bytesfreed": stats.Reclaim.Last.Bytesfreed,
	}
}

// Log statistics, sizes are humanized if humanize is true.
func (m *Manager) Log(humanize bool) {
	stats := m.Stats()
	dohumanize := func(val int64) interface{} {
		if humanize {
			return gohumanize(val)
		}
		return val
	}

	fmsg := "%v size:%v used:%v peak:%v pools:%v\n"
	log.Infof(fmsg, m.logprefix, dohumanize(stats.Size), dohumanize(stats.Used),
		dohumanize(stats.Peak), len(stats.Pools))
	a := stats.Allocation
	fmsg = "%v tiers primary:%v secondary:%v large:%v emergency:%v failed:%v oom:%v\n"
	log.Infof(fmsg, m.logprefix, a.Primary, a.Secondary, a.Large, a.Emergency,
		a.Failed, a.Outofmemory)
	for _, ps := range stats.Pools {
		if humanize {
			log.Infof("%v %v\n", m.logprefix, ps.Logstring())
			continue
		}
		log.Infof("%v %v\n", m.logprefix, lib.Prettystats(ps.Map(), false))
	}

	r := stats.Reclaim
	lines := []string{}
	for _, report := range m.reclaimer.History() {
		lines = append(lines, report.String())
	}
	fmsg = "%v reclaim cycles:%v errors:%v state:%v\n"
	log.Infof(fmsg, m.logprefix, r.Cycles, r.Errors, r.State)
	if len(lines) > 0 {
		log.Infof("%v reclaim history\n  %v\n", m.logprefix, strings.Join(lines, "\n  "))
	}
}

func gohumanize(val int64) string {
	if val < 0 {
		return fmt.Sprintf("-%v", humanize.Bytes(uint64(-val)))
	}
	return humanize.Bytes(uint64(val))
}
