// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/adxyz/infeed/pkg/analytics"
	"github.com/adxyz/infeed/pkg/gateway"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGateway counts underlying load calls and can block or fail on demand.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
	err   error
}

func (g *fakeGateway) Load(ctx context.Context, adUnitID string, _ gateway.Targeting) (*gateway.AdInstance, error) {
	g.mu.Lock()
	g.calls++
	block, err := g.block, g.err
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", gateway.ErrTimeout, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &gateway.AdInstance{
		Payload:   []byte("<creative/>"),
		SizeClass: gateway.SizeNative,
		Price:     decimal.NewFromFloat(1.25),
		LoadedAt:  time.Now(),
	}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testPolicy() *AdPolicy {
	p := &AdPolicy{
		Enabled: true,
		Format:  FormatNativeList,
		Placement: Placement{
			Mode:          PlacementInterval,
			FirstPosition: 2,
			Interval:      5,
		},
		MaxPerFeed:         3,
		PreloadDistance:    2,
		UnloadDistance:     3,
		MaxCachedInstances: 2,
		SkipIfNotReady:     true,
		TestMode:           true,
	}
	p.ApplyDefaults()
	return p
}

func newTestEngine(t *testing.T, p *AdPolicy, gw gateway.LoadGateway) (*Engine, *analytics.MemorySink) {
	t.Helper()
	sink := analytics.NewMemorySink()
	e, err := NewEngine(Options{
		ViewType: "news-list",
		Policy:   p,
		Platform: PlatformIOS,
		Gateway:  gw,
		Sink:     sink,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, sink
}

// settle waits until no planned slot is mid-load.
func settle(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, idx := range e.Positions() {
			if e.SlotView(idx).State == StateLoading {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
}

func transitions(sink *analytics.MemorySink, slotID string) []string {
	var out []string
	for _, ev := range sink.OfType(analytics.EventTransition) {
		if ev.SlotID == slotID {
			out = append(out, ev.FromState+">"+ev.ToState)
		}
	}
	return out
}

func TestEngineEndToEndScroll(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{}
	e, sink := newTestEngine(t, testPolicy(), gw)

	e.SetFeed(FeedShape{Length: 20})
	require.Equal([]int{2, 7, 12}, e.Positions())

	slotIDs := make(map[int]string)
	for _, idx := range e.Positions() {
		id, ok := e.MountSlot(idx)
		require.True(ok)
		slotIDs[idx] = id.String()
	}

	// Scroll the whole feed, one row per step.
	for pos := 0; pos < 20; pos++ {
		e.OnScroll(pos * defaultRowHeightPx)
		settle(t, e)
		require.LessOrEqual(e.CachedInstances(), 2)
	}

	// One underlying load per slot.
	require.Equal(3, gw.Calls())

	// Every slot walked the full lifecycle and was evicted once it fell
	// behind the unload window.
	for idx, slotID := range slotIDs {
		got := transitions(sink, slotID)
		require.Contains(got, "idle>approaching", "slot %d", idx)
		require.Contains(got, "approaching>loading", "slot %d", idx)
		require.Contains(got, "loading>loaded", "slot %d", idx)
		require.Contains(got, "loaded>viewing", "slot %d", idx)
		require.Contains(got, "viewing>viewed", "slot %d", idx)
		require.Equal(StateIdle, e.SlotView(idx).State, "slot %d evicted after scroll-by", idx)
	}

	// Viewability durations were reported.
	require.NotEmpty(sink.OfType(analytics.EventViewability))
}

func TestEngineAtMostOneUnderlyingLoad(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{block: make(chan struct{})}
	e, _ := newTestEngine(t, testPolicy(), gw)

	e.SetFeed(FeedShape{Length: 20})
	_, ok := e.MountSlot(2)
	require.True(ok)

	e.OnScroll(0)
	require.Equal(StateLoading, e.SlotView(2).State)

	// Repeated viewport churn while the load is in flight must not issue a
	// second gateway call.
	e.OnScroll(50)
	e.OnScroll(0)
	e.UpdatePosition(0)
	require.Equal(1, gw.Calls())

	close(gw.block)
	require.Eventually(func() bool {
		s := e.SlotView(2).State
		return s == StateLoaded || s == StateViewing
	}, 2*time.Second, time.Millisecond)
	require.Equal(1, gw.Calls())
}

func TestEngineNoFillIsPermanentWithoutRetry(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{err: gateway.ErrNoFill}
	e, _ := newTestEngine(t, testPolicy(), gw)

	e.SetFeed(FeedShape{Length: 20})
	_, ok := e.MountSlot(2)
	require.True(ok)

	e.OnScroll(0)
	require.Eventually(func() bool {
		return e.SlotView(2).State == StateFailed
	}, 2*time.Second, time.Millisecond)

	// skipIfNotReady: the slot collapses instead of showing a placeholder.
	view := e.SlotView(2)
	require.True(view.Collapse)
	require.False(view.Placeholder)

	// Leaving and re-entering the threshold never re-triggers a load.
	e.OnScroll(4000)
	e.OnScroll(0)
	settle(t, e)
	require.Equal(1, gw.Calls())
	require.Equal(StateFailed, e.SlotView(2).State)
}

func TestEngineRetriesUpToMaxAttempts(t *testing.T) {
	require := require.New(t)

	p := testPolicy()
	p.MaxAttempts = 2
	p.SkipIfNotReady = false
	p.ShowPlaceholder = true

	gw := &fakeGateway{err: gateway.ErrNetwork}
	e, _ := newTestEngine(t, p, gw)

	e.SetFeed(FeedShape{Length: 20})
	_, ok := e.MountSlot(2)
	require.True(ok)

	e.OnScroll(0)
	require.Eventually(func() bool {
		return gw.Calls() == 2 && e.SlotView(2).State == StateFailed
	}, 2*time.Second, time.Millisecond)

	// Placeholder policy: same footprint, no layout shift.
	require.True(e.SlotView(2).Placeholder)

	e.OnScroll(4000)
	e.OnScroll(0)
	settle(t, e)
	require.Equal(2, gw.Calls())
}

func TestEngineInvalidPolicyFailsClosed(t *testing.T) {
	require := require.New(t)

	p := testPolicy()
	p.Placement.Interval = 0

	sink := analytics.NewMemorySink()
	e, err := NewEngine(Options{
		ViewType: "news-list",
		Policy:   p,
		Platform: PlatformIOS,
		Gateway:  &fakeGateway{},
		Sink:     sink,
	})
	require.ErrorIs(err, ErrConfigInvalid)
	require.True(e.Disabled())
	defer e.Close()

	e.SetFeed(FeedShape{Length: 50})
	require.False(e.ShouldShowAdAt(2))
	require.Empty(e.Positions())
	_, ok := e.MountSlot(2)
	require.False(ok)

	require.Len(sink.OfType(analytics.EventConfigInvalid), 1)
}

func TestEngineUnmountDiscardsLateResult(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{block: make(chan struct{})}
	e, _ := newTestEngine(t, testPolicy(), gw)

	e.SetFeed(FeedShape{Length: 20})
	_, ok := e.MountSlot(2)
	require.True(ok)

	e.OnScroll(0)
	require.Equal(StateLoading, e.SlotView(2).State)

	// Unmount while the load is in flight; the SDK call is not cancelled,
	// but its result must be dropped on arrival.
	e.UnmountSlot(2)
	close(gw.block)

	require.Eventually(func() bool {
		return e.CachedInstances() == 0
	}, 2*time.Second, time.Millisecond)

	id, ok := e.MountSlot(2)
	require.True(ok)
	require.NotEmpty(id)
	require.Equal(StateIdle, e.SlotView(2).State)
}

func TestEngineMountRules(t *testing.T) {
	require := require.New(t)

	e, _ := newTestEngine(t, testPolicy(), &fakeGateway{})
	e.SetFeed(FeedShape{Length: 20})

	// Unplanned index: no slot.
	_, ok := e.MountSlot(3)
	require.False(ok)

	id1, ok := e.MountSlot(7)
	require.True(ok)

	// At most one slot per feed index: remount returns the same slot.
	id2, ok := e.MountSlot(7)
	require.True(ok)
	require.Equal(id1, id2)
}

func TestEngineSectionedFeed(t *testing.T) {
	require := require.New(t)

	p := testPolicy()
	p.MaxPerFeed = 10
	p.Placement = Placement{
		Mode:           PlacementBlock,
		BlockPositions: []int{1, 3},
		MaxPerBlock:    2,
	}

	e, _ := newTestEngine(t, p, &fakeGateway{})
	e.SetFeed(FeedShape{Blocks: []int{5, 5, 5, 5}})
	require.Equal([]int{5, 6, 15, 16}, e.Positions())

	require.True(e.ShouldShowAdInBlock(1, 0))
	require.True(e.ShouldShowAdInBlock(1, 1))
	require.False(e.ShouldShowAdInBlock(1, 2))
	require.False(e.ShouldShowAdInBlock(0, 0))
	require.True(e.ShouldShowAdAt(15))
}

func TestEngineSetFeedPrunesStaleSlots(t *testing.T) {
	require := require.New(t)

	e, _ := newTestEngine(t, testPolicy(), &fakeGateway{})
	e.SetFeed(FeedShape{Length: 20})
	_, ok := e.MountSlot(12)
	require.True(ok)

	// Feed shrinks below the slot's index: the slot must be unmounted.
	e.SetFeed(FeedShape{Length: 10})
	require.Equal([]int{2, 7}, e.Positions())
	require.Equal(StateIdle, e.SlotView(12).State)
	require.False(e.ShouldShowAdAt(12))
}

func TestEnginePreloadsOnePerUpdate(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{}
	p := testPolicy()
	p.Placement = Placement{Mode: PlacementExplicit, Positions: []int{2, 3, 4}}
	p.MaxPerFeed = 3
	p.PreloadDistance = 5
	p.UnloadDistance = 6
	p.MaxCachedInstances = 3
	e, _ := newTestEngine(t, p, gw)

	e.SetFeed(FeedShape{Length: 20})
	require.Equal([]int{2, 3, 4}, e.Positions())
	for _, pos := range e.Positions() {
		_, ok := e.MountSlot(pos)
		require.True(ok)
	}

	// All three slots sit inside preloadDistance, but each position update
	// issues at most one new load; successive updates drain the rest.
	for want := 1; want <= 3; want++ {
		e.UpdatePosition(0)
		settle(t, e)
		require.Equal(want, gw.Calls())
	}

	// Everything resolved: a further update issues nothing.
	e.UpdatePosition(0)
	settle(t, e)
	require.Equal(3, gw.Calls())
}

func TestEngineCacheHitSkipsLoadAttempt(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{}
	p := testPolicy()
	p.PreloadDistance = 0
	e, sink := newTestEngine(t, p, gw)

	e.SetFeed(FeedShape{Length: 20})
	id, ok := e.MountSlot(2)
	require.True(ok)

	// Prime the cache as if the instance survived from an earlier mount
	// epoch of this index.
	adm, _ := e.cache.RequestLoad(id, 2)
	require.Equal(AdmissionAdmitted, adm)
	require.True(e.cache.Store(id, &gateway.AdInstance{
		Payload:  []byte("<creative/>"),
		Price:    decimal.NewFromFloat(2.00),
		LoadedAt: time.Now(),
	}))

	e.OnScroll(0)
	settle(t, e)

	// The cached instance is served without a gateway call, without a
	// Loading edge, and without spending retry budget.
	require.Equal(0, gw.Calls())
	require.Equal(StateViewing, e.SlotView(2).State)
	require.NotNil(e.SlotView(2).Instance)
	require.Zero(e.slots[2].LoadAttempts())

	got := transitions(sink, id.String())
	require.Contains(got, "approaching>loaded")
	require.NotContains(got, "approaching>loading")
}

func TestEngineRemountKeepsCoalescedLoad(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{block: make(chan struct{})}
	p := testPolicy()
	p.PreloadDistance = 0
	e, _ := newTestEngine(t, p, gw)

	e.SetFeed(FeedShape{Length: 20})
	_, ok := e.MountSlot(2)
	require.True(ok)

	e.OnScroll(0)
	require.Equal(StateLoading, e.SlotView(2).State)

	// Remount while the load is in flight. The slot id is stable per
	// (session, index), so the new attempt joins the same underlying call.
	e.UnmountSlot(2)
	_, ok = e.MountSlot(2)
	require.True(ok)
	e.OnScroll(0)

	close(gw.block)

	// Whichever epoch's goroutine resolves first, the fresh admission must
	// survive and the slot ends up rendering the instance.
	require.Eventually(func() bool {
		return e.SlotView(2).State == StateViewing
	}, 2*time.Second, time.Millisecond)
	require.NotNil(e.SlotView(2).Instance)
	require.Equal(1, gw.Calls())
}
