package metrics

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/malloc"
import "github.com/prometheus/client_golang/prometheus"

// Statser is implemented by malloc.Manager.
type Statser interface {
	Stats() malloc.Managerstats
}

var (
	poolbytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "pool_bytes"),
		"Region bytes per pool, by state.",
		[]string{"pool", "tier", "state"},
		nil,
	)
	poollivesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "pool_live_allocations"),
		"Number of live allocations per pool.",
		[]string{"pool", "tier"},
		nil,
	)
	poolfragsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "pool_fragmentation_ratio"),
		"One minus largest free range over free bytes.",
		[]string{"pool", "tier"},
		nil,
	)
	poolopsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "pool_operations_total"),
		"Pool operations, by kind.",
		[]string{"pool", "tier", "op"},
		nil,
	)
	tierallocsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "tier_allocations_total"),
		"Allocations served, by tier.",
		[]string{"tier"},
		nil,
	)
	tierfailedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "tier_failures_total"),
		"Requests a tier could not serve, by tier.",
		[]string{"tier"},
		nil,
	)
	oomDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "outofmemory_total"),
		"Requests that failed on every tier.",
		nil,
		nil,
	)
	cyclesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "reclaim_cycles_total"),
		"Reclamation cycles, by outcome.",
		[]string{"outcome"},
		nil,
	)
)

// Collector export manager statistics as prometheus metrics. Stats are
// read on every scrape.
type Collector struct {
	source Statser
}

// NewCollector for source, register it with prometheus.MustRegister.
func NewCollector(source Statser) *Collector {
	return &Collector{source: source}
}

// Describe implement prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolbytesDesc
	ch <- poollivesDesc
	ch <- poolfragsDesc
	ch <- poolopsDesc
	ch <- tierallocsDesc
	ch <- tierfailedDesc
	ch <- oomDesc
	ch <- cyclesDesc
}

// Collect implement prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	gauge, counter := prometheus.GaugeValue, prometheus.CounterValue
	for _, ps := range stats.Pools {
		tier := ps.Tier.String()
		bytes := map[string]int64{
			"size": ps.Size, "used": ps.Used, "free": ps.Free, "peak": ps.Peak,
		}
		for state, val := range bytes {
			ch <- prometheus.MustNewConstMetric(
				poolbytesDesc, gauge, float64(val), ps.Type, tier, state)
		}
		ch <- prometheus.MustNewConstMetric(
			poollivesDesc, gauge, float64(ps.Live), ps.Type, tier)
		ch <- prometheus.MustNewConstMetric(
			poolfragsDesc, gauge, ps.Fragmentation, ps.Type, tier)

		ops := map[string]int64{
			"alloc": ps.Allocs, "free": ps.Frees, "failed": ps.Failed,
			"grow": ps.Grows, "shrink": ps.Shrinks, "compact": ps.Compactions,
			"reclaimed": ps.Reclaimed, "violation": ps.Violations,
		}
		for op, val := range ops {
			ch <- prometheus.MustNewConstMetric(
				poolopsDesc, counter, float64(val), ps.Type, tier, op)
		}
	}

	a := stats.Allocation
	allocs := [api.Ntiers]int64{a.Primary, a.Secondary, a.Large, a.Emergency}
	for tier := api.Primary; tier <= api.Emergency; tier++ {
		ch <- prometheus.MustNewConstMetric(
			tierallocsDesc, counter, float64(allocs[tier]), tier.String())
		ch <- prometheus.MustNewConstMetric(
			tierfailedDesc, counter, float64(a.Failed[tier]), tier.String())
	}
	ch <- prometheus.MustNewConstMetric(oomDesc, counter, float64(a.Outofmemory))

	r := stats.Reclaim
	ch <- prometheus.MustNewConstMetric(
		cyclesDesc, counter, float64(r.Cycles-r.Errors), "ok")
	ch <- prometheus.MustNewConstMetric(
		cyclesDesc, counter, float64(r.Errors), "error")
}
