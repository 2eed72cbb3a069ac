// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/infeed/pkg/gateway"
	"github.com/adxyz/infeed/pkg/ids"
	"github.com/adxyz/infeed/pkg/log"
)

func testInstance(loadedAt time.Time) *gateway.AdInstance {
	return &gateway.AdInstance{
		Payload:   []byte("creative"),
		SizeClass: gateway.SizeBanner,
		LoadedAt:  loadedAt,
	}
}

func TestCacheAtMostOneInFlight(t *testing.T) {
	require := require.New(t)

	c := NewCacheManager(3, 3, log.NoOp(), nil)
	id := ids.NewSlotID("s", 2)

	adm, _ := c.RequestLoad(id, 2)
	require.Equal(AdmissionAdmitted, adm)

	// Second request before resolution joins the running load.
	adm, _ = c.RequestLoad(id, 2)
	require.Equal(AdmissionInFlight, adm)

	require.True(c.Store(id, testInstance(time.Now())))
	adm, _ = c.RequestLoad(id, 2)
	require.Equal(AdmissionLoaded, adm)
}

func TestCacheCapacityQueuesWhenNothingEvictable(t *testing.T) {
	require := require.New(t)

	c := NewCacheManager(2, 3, log.NoOp(), nil)
	a := ids.NewSlotID("s", 0)
	b := ids.NewSlotID("s", 1)
	d := ids.NewSlotID("s", 2)

	adm, _ := c.RequestLoad(a, 0)
	require.Equal(AdmissionAdmitted, adm)
	adm, _ = c.RequestLoad(b, 1)
	require.Equal(AdmissionAdmitted, adm)

	// Full with in-flight loads; nothing cached is evictable.
	adm, _ = c.RequestLoad(d, 2)
	require.Equal(AdmissionQueued, adm)

	// Resolving a load does not admit the queued request by itself...
	require.True(c.Store(a, testInstance(time.Now())))
	require.True(c.Store(b, testInstance(time.Now())))

	// ...but the next scroll update does: slots 0 and 1 fall out of the
	// unload window around position 6 and are evicted first.
	admitted, evicted := c.OnScrollPosition(6)
	require.ElementsMatch([]ids.SlotID{a, b}, evicted)
	require.Equal([]ids.SlotID{d}, admitted)
	require.Equal(0, c.Len())
}

func TestCacheEvictsFarthestFirst(t *testing.T) {
	require := require.New(t)

	c := NewCacheManager(2, 1, log.NoOp(), nil)
	near := ids.NewSlotID("s", 9)
	far := ids.NewSlotID("s", 2)

	c.OnScrollPosition(8)

	adm, _ := c.RequestLoad(far, 2)
	require.Equal(AdmissionAdmitted, adm)
	require.True(c.Store(far, testInstance(time.Now().Add(-time.Minute))))

	adm, _ = c.RequestLoad(near, 9)
	require.Equal(AdmissionAdmitted, adm)
	require.True(c.Store(near, testInstance(time.Now())))

	// Capacity full. The slot at distance 6 is outside the window and gets
	// evicted to admit the new request; the in-window slot survives.
	next := ids.NewSlotID("s", 8)
	adm, evicted := c.RequestLoad(next, 8)
	require.Equal(AdmissionAdmitted, adm)
	require.Equal([]ids.SlotID{far}, evicted)

	_, ok := c.Get(near)
	require.True(ok)
	_, ok = c.Get(far)
	require.False(ok)
}

func TestCacheLRUTieBreakWithinEligible(t *testing.T) {
	require := require.New(t)

	c := NewCacheManager(2, 0, log.NoOp(), nil)
	old := ids.NewSlotID("s", 4)
	newer := ids.NewSlotID("s", 6)

	c.OnScrollPosition(5)

	adm, _ := c.RequestLoad(old, 4)
	require.Equal(AdmissionAdmitted, adm)
	require.True(c.Store(old, testInstance(time.Now().Add(-time.Hour))))

	adm, _ = c.RequestLoad(newer, 6)
	require.Equal(AdmissionAdmitted, adm)
	require.True(c.Store(newer, testInstance(time.Now())))

	// Both are at distance 1 with unloadDistance 0: both eligible, equal
	// distance, so the older load goes first.
	next := ids.NewSlotID("s", 5)
	adm, evicted := c.RequestLoad(next, 5)
	require.Equal(AdmissionAdmitted, adm)
	require.Equal([]ids.SlotID{old}, evicted)
}

func TestCacheLateResultDiscarded(t *testing.T) {
	require := require.New(t)

	c := NewCacheManager(2, 3, log.NoOp(), nil)
	id := ids.NewSlotID("s", 1)

	adm, _ := c.RequestLoad(id, 1)
	require.Equal(AdmissionAdmitted, adm)

	// Slot unmounted while the load is in flight.
	c.Release(id)

	// The result arrives afterwards and must not be stored.
	require.False(c.Store(id, testInstance(time.Now())))
	require.Equal(0, c.Len())
}

func TestCacheBoundHoldsUnderScrolling(t *testing.T) {
	require := require.New(t)

	const max = 3
	c := NewCacheManager(max, 2, log.NoOp(), nil)

	for pos := 0; pos < 40; pos++ {
		id := ids.NewSlotID("s", pos)
		adm, _ := c.RequestLoad(id, pos)
		if adm == AdmissionAdmitted {
			require.True(c.Store(id, testInstance(time.Now())))
		}
		c.OnScrollPosition(pos)
		require.LessOrEqual(c.Len(), max)
	}
}
