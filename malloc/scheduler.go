package malloc

import "context"
import "time"

import "github.com/coder/quartz"
import "github.com/pkg/errors"

// scheduler run reclamation cycles periodically and on memory
// pressure, and MaybeShrink passes over every pool.
type scheduler struct {
	m           *Manager
	cancel      context.CancelFunc
	done        chan struct{}
	reclaimtick *quartz.Ticker
	shrinktick  *quartz.Ticker
}

func newscheduler(m *Manager) *scheduler {
	return &scheduler{m: m, done: make(chan struct{})}
}

// start create tickers before returning, a mock clock observes them as
// soon as Start returns.
func (sc *scheduler) start(ctx context.Context) {
	ctx, sc.cancel = context.WithCancel(ctx)

	m := sc.m
	var reclaimch, shrinkch <-chan time.Time
	if m.config.interval > 0 {
		sc.reclaimtick = m.opts.clock.NewTicker(m.config.interval, "scheduler", "reclaim")
		reclaimch = sc.reclaimtick.C
	}
	if m.config.shrinktick > 0 {
		sc.shrinktick = m.opts.clock.NewTicker(m.config.shrinktick, "scheduler", "shrink")
		shrinkch = sc.shrinktick.C
	}
	infof("%v scheduler started, reclaim:%v shrink:%v\n",
		m.logprefix, m.config.interval, m.config.shrinktick)
	go sc.run(ctx, reclaimch, shrinkch)
}

func (sc *scheduler) run(ctx context.Context, reclaimch, shrinkch <-chan time.Time) {
	defer close(sc.done)
	defer func() {
		if sc.reclaimtick != nil {
			sc.reclaimtick.Stop()
		}
		if sc.shrinktick != nil {
			sc.shrinktick.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			infof("%v scheduler stopped\n", sc.m.logprefix)
			return
		case <-reclaimch:
			sc.reclaim(ctx, "interval")
		case <-sc.m.pressure:
			sc.reclaim(ctx, "pressure")
		case <-shrinkch:
			sc.shrink()
		}
	}
}

func (sc *scheduler) reclaim(ctx context.Context, trigger string) {
	m := sc.m
	if m.opts.roots == nil {
		debugf("%v %v reclamation skipped, no roots\n", m.logprefix, trigger)
		return
	}
	report, err := m.RunReclamation(ctx, m.opts.roots, m.opts.walker)
	switch {
	case errors.Is(err, ErrReclaimBusy), errors.Is(err, ErrManagerClosed):
		debugf("%v %v reclamation skipped: %v\n", m.logprefix, trigger, err)
	case err != nil:
		warnf("%v %v reclamation: %v\n", m.logprefix, trigger, err)
	default:
		verbosef("%v %v reclamation %v\n", m.logprefix, trigger, report)
	}
}

func (sc *scheduler) shrink() {
	for _, p := range sc.m.poollist() {
		if _, err := p.MaybeShrink(); err != nil {
			debugf("%v shrink %v: %v\n", sc.m.logprefix, p.Type(), err)
		}
	}
}

func (sc *scheduler) stop() {
	sc.cancel()
	<-sc.done
}
