package malloc

import "bytes"
import "context"
import "math/rand"
import "testing"
import "time"

import "github.com/berrym/lusush-sub005/api"
import s "github.com/bnclabs/gosettings"
import "github.com/pkg/errors"
import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

func newtestmanager(t *testing.T, setts s.Settings, opts ...Option) *Manager {
	m, err := NewManager(t.Name(), setts, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestReclaimUnreachable(t *testing.T) {
	events := &eventlog{}
	m := newtestmanager(t, nil, WithSink(events))
	_, err := m.CreatePool(api.Pooltypebuffer, smallpoolsettings())
	require.NoError(t, err)

	a, err := m.Allocate(api.Pooltypebuffer, 64, "a")
	require.NoError(t, err)
	b, err := m.Allocate(api.Pooltypebuffer, 128, "b")
	require.NoError(t, err)

	graph := api.Graph{a: {b}}
	report, err := m.RunReclamation(context.Background(), api.Roots{}, graph)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Marked)
	assert.Equal(t, int64(2), report.Swept)
	assert.Equal(t, int64(64+128), report.Bytesfreed)
	assert.Equal(t, Reclaimidle, report.State)
	assert.Equal(t, Reclaimidle, m.Reclaimer().State())

	for _, h := range []api.Handle{a, b} {
		if _, err := m.Read(h, 0, make([]byte, 1)); !errors.Is(err, ErrUseAfterFree) {
			t.Errorf("%v unexpected %v", h, err)
		}
		if err := m.Free(h); !errors.Is(err, ErrDoubleFree) {
			t.Errorf("%v unexpected %v", h, err)
		}
	}
	stats := m.Poolbytype(api.Pooltypebuffer).Stats()
	assert.Equal(t, int64(0), stats.Used)
	assert.Equal(t, int64(2), stats.Reclaimed)

	ev, ok := events.last(api.EventReclaim)
	require.True(t, ok)
	assert.Equal(t, int64(192), ev.Size)
}

func TestReclaimPadded(t *testing.T) {
	m := newtestmanager(t, nil)
	_, err := m.CreatePool("misc", smallpoolsettings())
	require.NoError(t, err)

	a, err := m.Allocate("misc", 24, "a")
	require.NoError(t, err)
	b, err := m.AllocateAligned("misc", 100, 256, "b")
	require.NoError(t, err)
	alloc, err := m.Lookup(b)
	require.NoError(t, err)
	assert.Equal(t, int64(256-24), alloc.Pad)

	before := m.Poolbytype("misc").Stats().Used
	report, err := m.RunReclamation(context.Background(), api.Roots{a}, nil)
	require.NoError(t, err)
	after := m.Poolbytype("misc").Stats().Used
	assert.Equal(t, int64(1), report.Swept)
	assert.Equal(t, alloc.Pad+alloc.Length, report.Bytesfreed)
	assert.Equal(t, before-after, report.Bytesfreed)
	assert.Equal(t, int64(24), after)
}

func TestReclaimReachable(t *testing.T) {
	m := newtestmanager(t, nil)
	_, err := m.CreatePool(api.Pooltypebuffer, smallpoolsettings())
	require.NoError(t, err)

	handles := make([]api.Handle, 3)
	for i := range handles {
		handles[i], err = m.Allocate(api.Pooltypebuffer, 32, "")
		require.NoError(t, err)
		_, err = m.Write(handles[i], 0, []byte{byte(i)})
		require.NoError(t, err)
	}
	a, b, c := handles[0], handles[1], handles[2]

	// cycles in the graph are walked once.
	graph := api.Graph{a: {b}, b: {a}}
	report, err := m.RunReclamation(context.Background(), api.Roots{a}, graph)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Marked)
	assert.Equal(t, int64(1), report.Swept)
	assert.Equal(t, int64(32), report.Bytesfreed)

	for i, h := range []api.Handle{a, b} {
		out := make([]byte, 1)
		_, err := m.Read(h, 0, out)
		require.NoError(t, err)
		assert.Equal(t, byte(i), out[0])
	}
	_, err = m.Read(c, 0, make([]byte, 1))
	assert.True(t, errors.Is(err, ErrUseAfterFree))

	// running again with the same roots frees nothing.
	report, err = m.RunReclamation(context.Background(), api.Roots{a}, graph)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Swept)
	assert.Equal(t, int64(2), m.Reclaimer().Stats().Cycles)
}

func TestReclaimRandomGraph(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %v", seed)
	rnd := rand.New(rand.NewSource(seed))

	setts := smallpoolsettings()
	setts["maxsize"] = int64(1024 * 1024)
	m := newtestmanager(t, nil)
	_, err := m.CreatePool(api.Pooltypebuffer, setts)
	require.NoError(t, err)
	_, err = m.CreatePool(api.Pooltypestring, setts)
	require.NoError(t, err)

	n := 200
	handles := make([]api.Handle, n)
	for i := range handles {
		typ := api.Pooltypebuffer
		if i%2 == 1 {
			typ = api.Pooltypestring
		}
		handles[i], err = m.Allocate(typ, int64(rnd.Intn(100)+1), "")
		require.NoError(t, err)
	}
	graph := api.Graph{}
	for i := 0; i < n; i++ {
		for j := rnd.Intn(3); j > 0; j-- {
			graph[handles[i]] = append(graph[handles[i]], handles[rnd.Intn(n)])
		}
	}
	roots := api.Roots{}
	for i := rnd.Intn(5); i >= 0; i-- {
		roots = append(roots, handles[rnd.Intn(n)])
	}

	reachable := map[api.Handle]bool{}
	queue := append([]api.Handle{}, roots...)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if reachable[h] {
			continue
		}
		reachable[h] = true
		queue = append(queue, graph[h]...)
	}

	report, err := m.RunReclamation(context.Background(), roots, graph)
	require.NoError(t, err)
	assert.Equal(t, int64(len(reachable)), report.Marked)
	assert.Equal(t, int64(n-len(reachable)), report.Swept)

	for _, h := range handles {
		alloc, err := m.Lookup(h)
		require.NoError(t, err)
		if alloc.Live != reachable[h] {
			t.Errorf("%v live:%v reachable:%v", h, alloc.Live, reachable[h])
		}
	}
	for _, typ := range []string{api.Pooltypebuffer, api.Pooltypestring} {
		require.NoError(t, m.Poolbytype(typ).Validate())
	}
}

func TestReclaimCallbackFailure(t *testing.T) {
	m := newtestmanager(t, nil)
	_, err := m.CreatePool(api.Pooltypebuffer, smallpoolsettings())
	require.NoError(t, err)

	a, err := m.Allocate(api.Pooltypebuffer, 64, "")
	require.NoError(t, err)
	_, err = m.Allocate(api.Pooltypebuffer, 64, "")
	require.NoError(t, err)

	walker := api.Walkfunc(func(h api.Handle, yield func(api.Handle) bool) error {
		panic("corrupt object graph")
	})
	report, err := m.RunReclamation(context.Background(), api.Roots{a}, walker)
	if !errors.Is(err, ErrReclaimCallback) {
		t.Errorf("unexpected %v", err)
	}
	assert.Equal(t, Reclaimerror, report.State)
	assert.Equal(t, Reclaimmarking, report.Phase)
	assert.Equal(t, Reclaimerror, m.Reclaimer().State())
	assert.Equal(t, int64(2), m.Poolbytype(api.Pooltypebuffer).Stats().Live)

	roots := api.Rootsfunc(func(yield func(api.Handle) bool) error {
		return errors.New("roots unavailable")
	})
	_, err = m.RunReclamation(context.Background(), roots, nil)
	if !errors.Is(err, ErrReclaimCallback) {
		t.Errorf("unexpected %v", err)
	}
	assert.Equal(t, int64(2), m.Poolbytype(api.Pooltypebuffer).Stats().Live)

	// a clean cycle recovers the engine.
	_, err = m.RunReclamation(context.Background(), api.Roots{a}, nil)
	require.NoError(t, err)
	assert.Equal(t, Reclaimidle, m.Reclaimer().State())
	stats := m.Reclaimer().Stats()
	assert.Equal(t, int64(3), stats.Cycles)
	assert.Equal(t, int64(2), stats.Errors)
	assert.Equal(t, int64(1), stats.Last.Swept)
}

func TestReclaimTimeout(t *testing.T) {
	m := newtestmanager(t, nil)
	_, err := m.CreatePool(api.Pooltypebuffer, smallpoolsettings())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := m.Allocate(api.Pooltypebuffer, 8, "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := m.RunReclamation(ctx, api.Roots{}, nil)
	if !errors.Is(err, ErrReclaimTimeout) {
		t.Errorf("unexpected %v", err)
	}
	assert.Equal(t, Reclaimsweeping, report.Phase)
	assert.Equal(t, int64(63), report.Swept)
	assert.Equal(t, int64(63*8), report.Bytesfreed)

	p := m.Poolbytype(api.Pooltypebuffer)
	assert.Equal(t, int64(37), p.Stats().Live)
	require.NoError(t, p.Validate())

	// timeout while marking.
	roots := api.Roots{}
	p.recs.walk(func(slot uint32, rec *record) bool {
		roots = append(roots, api.Makehandle(p.ID(), rec.gen, slot))
		return true
	})
	_, err = m.RunReclamation(ctx, roots, nil)
	if !errors.Is(err, ErrReclaimTimeout) {
		t.Errorf("unexpected %v", err)
	}
	assert.Equal(t, int64(37), p.Stats().Live)
}

func TestReclaimBusy(t *testing.T) {
	m := newtestmanager(t, s.Settings{"reclaim.timeout": int64(0)})
	_, err := m.CreatePool(api.Pooltypebuffer, smallpoolsettings())
	require.NoError(t, err)
	a, err := m.Allocate(api.Pooltypebuffer, 64, "")
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	walker := api.Walkfunc(func(h api.Handle, yield func(api.Handle) bool) error {
		close(started)
		<-release
		return nil
	})
	errch := make(chan error, 1)
	go func() {
		_, err := m.RunReclamation(context.Background(), api.Roots{a}, walker)
		errch <- err
	}()

	<-started
	assert.Equal(t, Reclaimmarking, m.Reclaimer().State())
	_, err = m.RunReclamation(context.Background(), api.Roots{a}, nil)
	if !errors.Is(err, ErrReclaimBusy) {
		t.Errorf("unexpected %v", err)
	}
	close(release)
	require.NoError(t, <-errch)
	assert.Equal(t, int64(1), m.Reclaimer().Stats().Cycles)
}

func TestReclaimCompaction(t *testing.T) {
	m := newtestmanager(t, nil)
	setts := s.Settings{
		"initialsize": int64(640),
		"maxsize":     int64(640),
		"blocksize":   int64(64),
	}
	_, err := m.CreatePool(api.Pooltypebuffer, setts)
	require.NoError(t, err)

	handles, roots := []api.Handle{}, api.Roots{}
	for i := 0; i < 10; i++ {
		h, err := m.Allocate(api.Pooltypebuffer, 64, "")
		require.NoError(t, err)
		_, err = m.Write(h, 0, bytes.Repeat([]byte{byte(i)}, 64))
		require.NoError(t, err)
		handles = append(handles, h)
		if i%2 == 1 {
			roots = append(roots, h)
		}
	}

	report, err := m.RunReclamation(context.Background(), roots, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.Swept)
	assert.Equal(t, int64(1), report.Compacted)
	assert.True(t, report.Moved > 0)

	p := m.Poolbytype(api.Pooltypebuffer)
	require.NoError(t, p.Validate())
	stats := p.Stats()
	assert.Equal(t, 0, stats.Fragments)
	assert.Equal(t, int64(320), stats.Free)
	for i := 1; i < 10; i += 2 {
		out := make([]byte, 64)
		_, err := m.Read(handles[i], 0, out)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 64), out)
	}

	// space is contiguous again.
	_, err = m.Allocate(api.Pooltypebuffer, 320, "")
	require.NoError(t, err)
}

func TestReclaimSkipsUnsupervised(t *testing.T) {
	m := newtestmanager(t, nil)
	_, err := m.CreatePool(api.Pooltypeemergency, nil)
	require.NoError(t, err)
	_, err = m.CreatePool(api.Pooltypebuffer, smallpoolsettings())
	require.NoError(t, err)

	_, err = m.Allocate(api.Pooltypeemergency, 64, "")
	require.NoError(t, err)
	_, err = m.Allocate(api.Pooltypebuffer, 64, "")
	require.NoError(t, err)

	report, err := m.RunReclamation(context.Background(), api.Roots{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Swept)
	assert.Equal(t, int64(1), m.Poolbytype(api.Pooltypeemergency).Stats().Live)
}

func TestReclaimHistory(t *testing.T) {
	m := newtestmanager(t, s.Settings{"reclaim.history": int64(2)})
	for i := 0; i < 3; i++ {
		_, err := m.RunReclamation(context.Background(), api.Roots{}, nil)
		require.NoError(t, err)
	}
	history := m.Reclaimer().History()
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[0].ID)
	assert.Equal(t, int64(3), history[1].ID)
	assert.Equal(t, int64(3), m.Reclaimer().Stats().Last.ID)
}

func TestSafecall(t *testing.T) {
	err := safecall("test", func() error { panic("boom") })
	require.True(t, errors.Is(err, ErrReclaimCallback))
	err = safecall("test", func() error { return errors.New("fail") })
	require.True(t, errors.Is(err, ErrReclaimCallback))
	require.NoError(t, safecall("test", func() error { return nil }))
}
