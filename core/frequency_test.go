// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrequencyCapper(t *testing.T) {
	require := require.New(t)

	fc := NewFrequencyCapper()

	// Zero cap means uncapped.
	require.True(fc.Allowed("unit-a", 0))

	require.True(fc.Allowed("unit-a", 2))
	fc.Record("unit-a", 2)
	require.True(fc.Allowed("unit-a", 2))
	fc.Record("unit-a", 2)
	require.False(fc.Allowed("unit-a", 2))
	require.Equal(uint32(2), fc.Count("unit-a"))

	// Other units are independent.
	require.True(fc.Allowed("unit-b", 2))
	require.Equal(uint32(0), fc.Count("unit-b"))
}

func TestEngineFrequencyCapSuppressesFurtherSlots(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{}
	p := testPolicy()
	p.PreloadDistance = 0
	p.MaxImpressionsPerHour = 1
	e, _ := newTestEngine(t, p, gw)

	e.SetFeed(FeedShape{Length: 20})
	require.Equal([]int{2, 7, 12}, e.Positions())
	for _, pos := range e.Positions() {
		_, ok := e.MountSlot(pos)
		require.True(ok)
	}

	// First slot loads and is viewed: consumes the hourly budget.
	e.OnScroll(0)
	settle(t, e)
	e.OnScroll(2 * defaultRowHeightPx)
	settle(t, e)
	require.Equal(StateViewing, e.SlotView(2).State)
	require.Equal(1, gw.Calls())

	// The next slot approaches with the cap spent: no load is issued.
	e.OnScroll(7 * defaultRowHeightPx)
	settle(t, e)
	require.Equal(StateIdle, e.SlotView(7).State)
	require.Equal(1, gw.Calls())
}

func TestEngineFrequencyCapReleasesAfterRollover(t *testing.T) {
	require := require.New(t)

	gw := &fakeGateway{}
	p := testPolicy()
	p.Placement = Placement{Mode: PlacementExplicit, Positions: []int{2, 12}}
	p.MaxPerFeed = 2
	p.PreloadDistance = 0
	p.MaxImpressionsPerHour = 1
	e, _ := newTestEngine(t, p, gw)

	e.SetFeed(FeedShape{Length: 30})
	for _, pos := range e.Positions() {
		_, ok := e.MountSlot(pos)
		require.True(ok)
	}

	// First slot is viewed: consumes the hourly budget.
	e.OnScroll(0)
	settle(t, e)
	require.Equal(StateViewing, e.SlotView(2).State)
	require.Equal(1, gw.Calls())

	// Second slot approaches with the cap spent: suppressed, not latched.
	e.OnScroll(12 * defaultRowHeightPx)
	settle(t, e)
	require.Equal(StateIdle, e.SlotView(12).State)
	require.Equal(1, gw.Calls())

	// The hour epoch rolls over: counters reset.
	e.mu.Lock()
	e.freq = NewFrequencyCapper()
	e.mu.Unlock()

	// Scroll away so the approach band re-arms, then back.
	e.OnScroll(5 * defaultRowHeightPx)
	settle(t, e)
	require.Equal(1, gw.Calls())

	e.OnScroll(12 * defaultRowHeightPx)
	settle(t, e)
	require.Equal(StateViewing, e.SlotView(12).State)
	require.Equal(2, gw.Calls())
}
