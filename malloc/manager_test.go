package malloc

import "context"
import "fmt"
import "testing"

import "github.com/berrym/lusush-sub005/api"
import s "github.com/bnclabs/gosettings"
import "github.com/pkg/errors"
import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"
import "golang.org/x/sync/errgroup"

func TestManagerCreatePool(t *testing.T) {
	m := newtestmanager(t, nil)

	id1, err := m.CreatePool(api.Pooltypebuffer, smallpoolsettings())
	require.NoError(t, err)
	id2, err := m.CreatePool(api.Pooltypeevent, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	if _, err := m.CreatePool(api.Pooltypebuffer, nil); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("unexpected %v", err)
	}
	if _, err := m.CreatePool("bad", s.Settings{"alignment": int64(3)}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("unexpected %v", err)
	}
	assert.Equal(t, api.Pooltypebuffer, m.Pool(id1).Type())
	assert.Equal(t, id2, m.Poolbytype(api.Pooltypeevent).ID())
	assert.Nil(t, m.Poolbytype("bad"))
	assert.Equal(t, []*Pool{m.Pool(id1)}, m.Hierarchy().Pools(api.Secondary))
}

func TestManagerSettings(t *testing.T) {
	_, err := NewManager("bad", s.Settings{"hierarchy.primary": int64(0)})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("unexpected %v", err)
	}
	_, err = NewManager("bad", s.Settings{
		"hierarchy.primary": int64(1024), "hierarchy.secondary": int64(512),
	})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("unexpected %v", err)
	}
}

func TestManagerAutocreate(t *testing.T) {
	m := newtestmanager(t, nil)

	h, err := m.Allocate(api.Pooltypestring, 100, "prompt")
	require.NoError(t, err)
	p := m.Poolbytype(api.Pooltypestring)
	require.NotNil(t, p)
	assert.Equal(t, p.ID(), h.Pool())
	alloc, err := m.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, "prompt", alloc.Tag)
	assert.Equal(t, int64(1), m.Stats().Allocation.Primary)

	// unknown types are routed by size only.
	h, err = m.Allocate("history", 100, "")
	require.NoError(t, err)
	assert.Nil(t, m.Poolbytype("history"))
	assert.Equal(t, p.ID(), h.Pool())

	m2 := newtestmanager(t, s.Settings{"autocreate": false})
	_, err = m2.Allocate(api.Pooltypestring, 100, "")
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("unexpected %v", err)
	}
	assert.Nil(t, m2.Poolbytype(api.Pooltypestring))
}

func TestManagerAccess(t *testing.T) {
	m := newtestmanager(t, nil)
	h, err := m.Allocate(api.Pooltypebuffer, 11, "")
	require.NoError(t, err)

	_, err = m.Write(h, 0, []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, m.Check(h, 0, 11))
	err = m.View(h, func(data []byte) error {
		assert.Equal(t, "hello world", string(data))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, m.Seal(h))
	if _, err := m.Write(h, 0, []byte("x")); !errors.Is(err, ErrPermission) {
		t.Errorf("unexpected %v", err)
	}
	require.NoError(t, m.Free(h))

	if err := m.Free(0); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("unexpected %v", err)
	}
	if _, err := m.Read(api.Makehandle(200, 1, 0), 0, nil); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("unexpected %v", err)
	}
}

func TestManagerDestroyPool(t *testing.T) {
	events := &eventlog{}
	m := newtestmanager(t, nil, WithSink(events))
	id, err := m.CreatePool(api.Pooltypetemp, nil)
	require.NoError(t, err)

	a, err := m.Allocate(api.Pooltypetemp, 5000, "kept")
	require.NoError(t, err)
	b, err := m.Allocate(api.Pooltypetemp, 6000, "leaked")
	require.NoError(t, err)

	// a is still reachable, pool survives.
	report, err := m.DestroyPool(id, api.Roots{a}, nil)
	if !errors.Is(err, ErrLiveAllocations) {
		t.Errorf("unexpected %v", err)
	}
	require.Len(t, report.Leaks, 1)
	assert.Equal(t, b, report.Leaks[0].Handle)
	assert.Equal(t, "leaked", report.Leaks[0].Tag)
	assert.Equal(t, int64(6000), report.Bytes)
	assert.Equal(t, 1, events.count(api.EventLeak))
	require.NotNil(t, m.Pool(id))
	assert.Len(t, m.Hierarchy().Pools(api.Large), 1)

	report, err = m.DestroyPool(id, api.Roots{}, nil)
	require.NoError(t, err)
	require.Len(t, report.Leaks, 1)
	assert.Equal(t, a, report.Leaks[0].Handle)
	assert.Nil(t, m.Pool(id))
	assert.Nil(t, m.Poolbytype(api.Pooltypetemp))
	assert.Len(t, m.Hierarchy().Pools(api.Large), 0)
	assert.Equal(t, 2, events.count(api.EventLeak))

	if _, err := m.Read(a, 0, make([]byte, 1)); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("unexpected %v", err)
	}
	if _, err := m.DestroyPool(id, nil, nil); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("unexpected %v", err)
	}

	// id is reused for the next pool.
	id2, err := m.CreatePool(api.Pooltypetemp, nil)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestManagerDestroyRetired(t *testing.T) {
	var p *Pool
	var late api.Handle
	events := &eventlog{}
	sink := api.Eventfunc(func(ev api.Event) {
		events.Event(ev)
		// a caller that resolved the pool before it was destroyed.
		if ev.Kind == api.EventReclaim && p != nil && late == 0 {
			h, err := p.Allocate(32, "late")
			if err != nil {
				t.Error(err)
			}
			late = h
		}
	})
	m := newtestmanager(t, nil, WithSink(sink))
	id, err := m.CreatePool("misc", smallpoolsettings())
	require.NoError(t, err)
	_, err = m.CreatePool(api.Pooltypeevent, nil)
	require.NoError(t, err)
	p = m.Pool(id)
	_, err = m.Allocate("misc", 64, "old")
	require.NoError(t, err)

	var routed api.Handle
	roots := api.Rootsfunc(func(yield func(api.Handle) bool) error {
		if _, err := m.CreatePool("misc", nil); !errors.Is(err, ErrDuplicateType) {
			t.Errorf("unexpected %v", err)
		}
		h, err := m.Allocate("misc", 64, "routed")
		routed = h
		return err
	})
	report, err := m.DestroyPool(id, roots, nil)
	require.NoError(t, err)
	require.False(t, routed.IsZero())
	assert.NotEqual(t, id, routed.Pool())
	require.False(t, late.IsZero())

	require.Len(t, report.Leaks, 2)
	assert.Equal(t, "old", report.Leaks[0].Tag)
	assert.Equal(t, "late", report.Leaks[1].Tag)
	assert.Equal(t, late, report.Leaks[1].Handle)
	assert.Equal(t, int64(64+32), report.Bytes)
	assert.Equal(t, 2, events.count(api.EventLeak))
	assert.Nil(t, m.Pool(id))

	_, err = m.CreatePool("misc", nil)
	require.NoError(t, err)
}

func TestManagerDestroyEmpty(t *testing.T) {
	m := newtestmanager(t, nil)
	id, err := m.CreatePool(api.Pooltypeevent, nil)
	require.NoError(t, err)
	h, err := m.Allocate(api.Pooltypeevent, 32, "")
	require.NoError(t, err)
	require.NoError(t, m.Free(h))

	report, err := m.DestroyPool(id, nil, nil)
	require.NoError(t, err)
	assert.Len(t, report.Leaks, 0)
	assert.Equal(t, int64(0), m.Reclaimer().Stats().Cycles)
}

func TestManagerClose(t *testing.T) {
	events := &eventlog{}
	m, err := NewManager("close", nil, WithSink(events))
	require.NoError(t, err)

	_, err = m.Allocate(api.Pooltypeevent, 32, "e1")
	require.NoError(t, err)
	_, err = m.Allocate(api.Pooltypeevent, 64, "e2")
	require.NoError(t, err)
	h, err := m.Allocate(api.Pooltypebuffer, 512, "b1")
	require.NoError(t, err)
	require.NoError(t, m.Free(h))

	reports, err := m.Close()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, api.Pooltypeevent, reports[0].Pool)
	assert.Len(t, reports[0].Leaks, 2)
	assert.Equal(t, int64(96), reports[0].Bytes)
	assert.Equal(t, 2, events.count(api.EventLeak))

	_, err = m.Close()
	assert.True(t, errors.Is(err, ErrManagerClosed))
	_, err = m.Allocate(api.Pooltypeevent, 32, "")
	assert.True(t, errors.Is(err, ErrManagerClosed))
	_, err = m.CreatePool("late", nil)
	assert.True(t, errors.Is(err, ErrManagerClosed))
	_, err = m.RunReclamation(context.Background(), api.Roots{}, nil)
	assert.True(t, errors.Is(err, ErrManagerClosed))
	assert.True(t, errors.Is(m.Start(context.Background()), ErrManagerClosed))
}

func TestManagerOutOfMemory(t *testing.T) {
	events := &eventlog{}
	m := newtestmanager(t, s.Settings{"autocreate": false}, WithSink(events))
	_, err := m.CreatePool(api.Pooltypeevent, s.Settings{
		"initialsize": int64(1024), "maxsize": int64(1024),
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := m.Allocate(api.Pooltypeevent, 256, "")
		require.NoError(t, err)
	}
	_, err = m.Allocate(api.Pooltypeevent, 256, "")
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("unexpected %v", err)
	}
	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Allocation.Outofmemory)
	assert.Equal(t, int64(1), stats.Allocation.Failed[api.Primary])
	ev, ok := events.last(api.EventOutOfMemory)
	require.True(t, ok)
	assert.Equal(t, api.SeverityCritical, ev.Severity)
}

func TestManagerStats(t *testing.T) {
	m := newtestmanager(t, nil)
	_, err := m.Allocate(api.Pooltypeevent, 32, "")
	require.NoError(t, err)
	_, err = m.Allocate(api.Pooltypebuffer, 1000, "")
	require.NoError(t, err)

	stats := m.Stats()
	require.Len(t, stats.Pools, 2)
	assert.Equal(t, int64(32+1000), stats.Used)
	ps, ok := stats.Pool(api.Pooltypebuffer)
	require.True(t, ok)
	assert.Equal(t, int64(1000), ps.Used)
	assert.Equal(t, api.Secondary, ps.Tier)
	_, ok = stats.Pool("nothing")
	assert.False(t, ok)

	sm := stats.Map()
	assert.Equal(t, int64(32+1000), sm["used"])
	assert.Contains(t, sm["pools"], api.Pooltypeevent)
	m.Log(true)
	m.Log(false)
}

func TestManagerConcurrent(t *testing.T) {
	m := newtestmanager(t, nil)
	types := []string{api.Pooltypeevent, api.Pooltypestring, api.Pooltypebuffer}

	var g errgroup.Group
	for w := 0; w < 12; w++ {
		g.Go(func() error {
			typ := types[w%len(types)]
			for i := 0; i < 200; i++ {
				h, err := m.Allocate(typ, int64(i%200+1), "")
				if err != nil {
					return err
				}
				src := []byte(fmt.Sprintf("%v-%v", w, i))
				if int64(len(src)) > int64(i%200+1) {
					src = src[:i%200+1]
				}
				if _, err := m.Write(h, 0, src); err != nil {
					return err
				}
				dst := make([]byte, len(src))
				if _, err := m.Read(h, 0, dst); err != nil {
					return err
				} else if string(dst) != string(src) {
					return fmt.Errorf("expected %q, got %q", src, dst)
				}
				if err := m.Free(h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	// reclamation concurrent with allocation, nothing is reachable.
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			_, err := m.RunReclamation(context.Background(), api.Roots{}, nil)
			if err != nil && !errors.Is(err, ErrReclaimBusy) {
				return err
			}
		}
		return nil
	})
	err := g.Wait()
	if err != nil && !Issafetyviolation(err) {
		t.Fatal(err)
	}
	for _, p := range m.Stats().Pools {
		require.NoError(t, m.Poolbytype(p.Type).Validate())
	}
}
