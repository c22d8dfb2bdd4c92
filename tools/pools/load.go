package main

import "context"
import "fmt"
import "math/rand"
import "sync"
import "time"

import "github.com/alecthomas/kingpin/v2"
import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import "github.com/berrym/lusush-sub005/malloc"
import "github.com/berrym/lusush-sub005/metrics"
import s "github.com/bnclabs/gosettings"
import humanize "github.com/dustin/go-humanize"
import "github.com/prometheus/client_golang/prometheus"
import "golang.org/x/sync/errgroup"

// sizes per pool type, [min, max).
var loadsizes = map[string][2]int64{
	api.Pooltypeevent:  {16, 256},
	api.Pooltypestring: {8, 2048},
	api.Pooltypebuffer: {256, 16 * 1024},
	api.Pooltypetemp:   {8 * 1024, 64 * 1024},
}

var loadtypes = []string{
	api.Pooltypeevent, api.Pooltypestring, api.Pooltypebuffer, api.Pooltypetemp,
}

type loadCommand struct {
	workers  int
	ops      int
	keep     float64
	drop     float64
	interval int64
	parent   string
	seed     int64
	metrics  bool
}

// rootset of handles the simulated shell still refers to. A handle is
// allocated and inserted under the same lock.
type rootset struct {
	mu      sync.Mutex
	handles map[api.Handle]struct{}
}

func (rs *rootset) Roots(yield func(api.Handle) bool) error {
	rs.mu.Lock()
	handles := make([]api.Handle, 0, len(rs.handles))
	for h := range rs.handles {
		handles = append(handles, h)
	}
	rs.mu.Unlock()

	for _, h := range handles {
		if !yield(h) {
			break
		}
	}
	return nil
}

func (rs *rootset) allocate(m *malloc.Manager, typ string, size int64) (api.Handle, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	h, err := m.Allocate(typ, size, typ)
	if err == nil {
		rs.handles[h] = struct{}{}
	}
	return h, err
}

func (rs *rootset) remove(h api.Handle) {
	rs.mu.Lock()
	delete(rs.handles, h)
	rs.mu.Unlock()
}

func (cmd *loadCommand) run(*kingpin.ParseContext) error {
	roots := &rootset{handles: make(map[api.Handle]struct{})}
	reg := prometheus.NewRegistry()
	sink := metrics.NewSink(reg)

	setts := s.Settings{"reclaim.interval": cmd.interval}
	opts := []malloc.Option{
		malloc.WithSink(malloc.Sinks{sink, malloc.Logsink{Prefix: "LOAD"}}),
		malloc.WithRoots(roots, nil),
	}
	if cmd.parent == "mmap" {
		parent, err := malloc.Newparent("mmap")
		if err != nil {
			return err
		}
		opts = append(opts, malloc.WithParent(parent))
	}
	m, err := malloc.NewManager("load", setts, opts...)
	if err != nil {
		return err
	}
	reg.MustRegister(metrics.NewCollector(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		return err
	}

	start := time.Now()
	var violations, exhausted int64
	var mu sync.Mutex
	var g errgroup.Group
	for w := 0; w < cmd.workers; w++ {
		rnd := rand.New(rand.NewSource(cmd.seed + int64(w)))
		g.Go(func() error {
			nv, ne := cmd.worker(m, roots, rnd)
			mu.Lock()
			violations, exhausted = violations+nv, exhausted+ne
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	report, err := m.RunReclamation(ctx, roots, nil)
	if err != nil {
		fmt.Printf("final reclamation: %v\n", err)
	}
	fmt.Printf("%v ops by %v workers in %v, exhausted:%v violations:%v\n",
		cmd.ops*cmd.workers, cmd.workers, elapsed, exhausted, violations)
	fmt.Printf("final %v\n", report)
	printstats(m.Stats())
	if cmd.metrics {
		printmetrics(reg)
	}

	leaks, err := m.Close()
	if err != nil {
		return err
	}
	for _, leak := range leaks {
		fmt.Printf("pool %v released %v allocations, %v still referenced\n",
			leak.Pool, len(leak.Leaks), humanize.Bytes(uint64(leak.Bytes)))
	}
	return nil
}

func (cmd *loadCommand) worker(
	m *malloc.Manager, roots *rootset, rnd *rand.Rand) (violations, exhausted int64) {

	kept := make([]api.Handle, 0, 1024)
	for i := 0; i < cmd.ops; i++ {
		typ := loadtypes[rnd.Intn(len(loadtypes))]
		sz := loadsizes[typ]
		size := sz[0] + rnd.Int63n(sz[1]-sz[0])

		h, err := roots.allocate(m, typ, size)
		if malloc.Isexhausted(err) {
			exhausted++
			continue
		} else if err != nil {
			violations++
			continue
		}
		payload := make([]byte, lib.Minint64(size, 64))
		rnd.Read(payload)
		if _, err := m.Write(h, 0, payload); err != nil {
			violations++
		}

		switch f := rnd.Float64(); {
		case f < cmd.keep:
			kept = append(kept, h)
		case f < cmd.keep+cmd.drop:
			// unreachable garbage for the reclaimer.
			roots.remove(h)
		default:
			if err := m.Free(h); err != nil {
				violations++
			}
			roots.remove(h)
		}

		// release an older root now and then.
		if n := len(kept); n > 0 && rnd.Intn(4) == 0 {
			j := rnd.Intn(n)
			roots.remove(kept[j])
			kept[j] = kept[n-1]
			kept = kept[:n-1]
		}
	}
	return violations, exhausted
}

func printstats(stats malloc.Managerstats) {
	fmt.Printf("%-10v %-10v %10v %10v %10v %8v %8v %6v %6v\n",
		"pool", "tier", "size", "used", "peak", "live", "frags", "grows", "shrink")
	for _, ps := range stats.Pools {
		fmt.Printf("%-10v %-10v %10v %10v %10v %8v %8v %6v %6v\n",
			ps.Type, ps.Tier, humanize.Bytes(uint64(ps.Size)),
			humanize.Bytes(uint64(ps.Used)), humanize.Bytes(uint64(ps.Peak)),
			ps.Live, ps.Fragments, ps.Grows, ps.Shrinks)
	}
	a, r := stats.Allocation, stats.Reclaim
	fmt.Printf("tiers primary:%v secondary:%v large:%v emergency:%v failed:%v oom:%v\n",
		a.Primary, a.Secondary, a.Large, a.Emergency, a.Failed, a.Outofmemory)
	fmt.Printf("reclaim cycles:%v errors:%v durations:%v\n", r.Cycles, r.Errors, r.Durations)
}

func printmetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		fmt.Printf("gather: %v\n", err)
		return
	}
	for _, family := range families {
		fmt.Printf("%v %v series\n", family.GetName(), len(family.GetMetric()))
	}
}

func addLoadCommand(app *kingpin.Application) {
	cmd := &loadCommand{}
	c := app.Command("load", "Run a simulated shell workload.").Action(cmd.run)
	c.Flag("workers", "concurrent workers").Default("4").IntVar(&cmd.workers)
	c.Flag("ops", "allocations per worker").Default("10000").IntVar(&cmd.ops)
	c.Flag("keep", "fraction of allocations kept reachable").Default("0.2").Float64Var(&cmd.keep)
	c.Flag("drop", "fraction of allocations left for reclamation").Default("0.3").Float64Var(&cmd.drop)
	c.Flag("interval", "reclamation interval in milliseconds").Default("50").Int64Var(&cmd.interval)
	c.Flag("parent", "parent allocator, heap or mmap").Default("heap").EnumVar(&cmd.parent, "heap", "mmap")
	c.Flag("seed", "random seed").Default("1").Int64Var(&cmd.seed)
	c.Flag("metrics", "print gathered metric families").BoolVar(&cmd.metrics)
}
