// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"sort"
	"sync"

	"github.com/adxyz/infeed/pkg/gateway"
	"github.com/adxyz/infeed/pkg/ids"
	"github.com/adxyz/infeed/pkg/log"
	"github.com/adxyz/infeed/pkg/metric"
)

// Admission is the outcome of a load request.
type Admission int

const (
	// AdmissionAdmitted: capacity granted, the caller must start the load.
	AdmissionAdmitted Admission = iota
	// AdmissionInFlight: a load for this slot is already running.
	AdmissionInFlight
	// AdmissionLoaded: an instance for this slot is already cached.
	AdmissionLoaded
	// AdmissionQueued: cache is full and nothing is evictable right now;
	// the request is retried on the next scroll-position update.
	AdmissionQueued
)

// CacheManager is the single owner of every AdInstance in a feed session.
// It enforces the occupancy bound (cached + in-flight <= max), the
// at-most-one-in-flight rule per slot, and the unload-distance eviction
// window. All mutation goes through its methods; one instance exists per
// engine, never a process-wide global.
type CacheManager struct {
	mu sync.Mutex

	maxInstances   int
	unloadDistance int

	instances map[ids.SlotID]*gateway.AdInstance
	indexOf   map[ids.SlotID]int
	inflight  map[ids.SlotID]struct{}

	// FIFO admission queue for requests that found the cache full with
	// nothing evictable. Re-evaluated on every scroll update, so a feed
	// position change always unblocks it.
	queued    []ids.SlotID
	queuedSet map[ids.SlotID]struct{}

	pos int

	log     log.Logger
	metrics *metric.Metrics
}

// NewCacheManager creates a bounded instance cache for one feed session.
func NewCacheManager(maxInstances, unloadDistance int, logger log.Logger, m *metric.Metrics) *CacheManager {
	if logger == nil {
		logger = log.NoOp()
	}
	return &CacheManager{
		maxInstances:   maxInstances,
		unloadDistance: unloadDistance,
		instances:      make(map[ids.SlotID]*gateway.AdInstance),
		indexOf:        make(map[ids.SlotID]int),
		inflight:       make(map[ids.SlotID]struct{}),
		queuedSet:      make(map[ids.SlotID]struct{}),
		log:            logger,
		metrics:        m,
	}
}

// RequestLoad asks for admission of a load for the given slot. Idempotent:
// repeated calls while a load is in flight or an instance is cached return
// immediately without a second underlying load. When the cache is full, one
// out-of-window instance is evicted to make room; the returned evicted ids
// tell the caller which slots lost their instance. With nothing evictable the
// request is queued.
func (c *CacheManager) RequestLoad(id ids.SlotID, feedIndex int) (Admission, []ids.SlotID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.LoadsRequested.Inc()
	}

	if _, ok := c.instances[id]; ok {
		return AdmissionLoaded, nil
	}
	if _, ok := c.inflight[id]; ok {
		return AdmissionInFlight, nil
	}
	if _, ok := c.queuedSet[id]; ok {
		return AdmissionQueued, nil
	}

	c.indexOf[id] = feedIndex

	var evicted []ids.SlotID
	if c.occupancyLocked() >= c.maxInstances {
		if victim, ok := c.evictOneLocked(); ok {
			evicted = append(evicted, victim)
		} else {
			c.queued = append(c.queued, id)
			c.queuedSet[id] = struct{}{}
			if c.metrics != nil {
				c.metrics.LoadsQueued.Inc()
			}
			c.log.Debug("load queued", "slot", id.String(), "occupancy", c.occupancyLocked())
			return AdmissionQueued, nil
		}
	}

	c.inflight[id] = struct{}{}
	if c.metrics != nil {
		c.metrics.LoadsAdmitted.Inc()
	}
	return AdmissionAdmitted, evicted
}

// Store records a successful load. Returns false when the slot's admission
// was released while the load was in flight (eviction or unmount); the
// instance is then discarded, never stored against a gone slot.
func (c *CacheManager) Store(id ids.SlotID, inst *gateway.AdInstance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inflight[id]; !ok {
		if c.metrics != nil {
			c.metrics.LateDiscards.Inc()
		}
		c.log.Debug("late load result discarded", "slot", id.String())
		return false
	}
	delete(c.inflight, id)
	c.instances[id] = inst
	c.sizeChangedLocked()
	return true
}

// Fail clears the in-flight marker after a failed load.
func (c *CacheManager) Fail(id ids.SlotID) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// Get looks up the cached instance for a slot. The caller may render from the
// returned pointer but must not retain it across scroll updates; ownership
// stays with the cache.
func (c *CacheManager) Get(id ids.SlotID) (*gateway.AdInstance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	return inst, ok
}

// Release drops every trace of a slot: cached instance, in-flight admission
// and queue membership. Called on slot unmount.
func (c *CacheManager) Release(id ids.SlotID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(id)
}

// Len returns the number of resident instances.
func (c *CacheManager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// OnScrollPosition advances the eviction window to the new feed position,
// eagerly evicts every instance outside it, then admits queued requests while
// capacity allows. Returned slices tell the caller which slots to reset
// (evicted) and which loads to start (admitted).
func (c *CacheManager) OnScrollPosition(pos int) (admitted, evicted []ids.SlotID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pos = pos

	for id := range c.instances {
		if c.distanceLocked(id) > c.unloadDistance {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		c.dropLocked(id)
		if c.metrics != nil {
			c.metrics.Evictions.WithLabelValues("window").Inc()
		}
	}

	// Closer-to-viewport slots are preferred when capacity frees up.
	sort.SliceStable(c.queued, func(i, j int) bool {
		return c.distanceLocked(c.queued[i]) < c.distanceLocked(c.queued[j])
	})
	for len(c.queued) > 0 && c.occupancyLocked() < c.maxInstances {
		id := c.queued[0]
		c.queued = c.queued[1:]
		delete(c.queuedSet, id)
		c.inflight[id] = struct{}{}
		admitted = append(admitted, id)
		if c.metrics != nil {
			c.metrics.LoadsAdmitted.Inc()
		}
	}

	return admitted, evicted
}

// ---- internals, all called under c.mu ----

func (c *CacheManager) occupancyLocked() int {
	return len(c.instances) + len(c.inflight)
}

// evictOneLocked removes the instance farthest outside the unload window.
// Ties go to the oldest loadedAt (LRU within the eligible set). Returns
// false when no instance is eligible.
func (c *CacheManager) evictOneLocked() (ids.SlotID, bool) {
	var (
		victim   ids.SlotID
		found    bool
		bestDist int
	)
	for id, inst := range c.instances {
		d := c.distanceLocked(id)
		if d <= c.unloadDistance {
			continue
		}
		if !found || d > bestDist ||
			(d == bestDist && inst.LoadedAt.Before(c.instances[victim].LoadedAt)) {
			victim, bestDist, found = id, d, true
		}
	}
	if !found {
		return "", false
	}
	c.dropLocked(victim)
	if c.metrics != nil {
		c.metrics.Evictions.WithLabelValues("capacity").Inc()
	}
	c.log.Debug("instance evicted for capacity", "slot", victim.String(), "distance", bestDist)
	return victim, true
}

func (c *CacheManager) distanceLocked(id ids.SlotID) int {
	idx, ok := c.indexOf[id]
	if !ok {
		return 0
	}
	d := idx - c.pos
	if d < 0 {
		d = -d
	}
	return d
}

func (c *CacheManager) dropLocked(id ids.SlotID) {
	delete(c.instances, id)
	delete(c.inflight, id)
	delete(c.indexOf, id)
	if _, ok := c.queuedSet[id]; ok {
		delete(c.queuedSet, id)
		for i, q := range c.queued {
			if q == id {
				c.queued = append(c.queued[:i], c.queued[i+1:]...)
				break
			}
		}
	}
	c.sizeChangedLocked()
}

func (c *CacheManager) sizeChangedLocked() {
	if c.metrics != nil {
		c.metrics.CachedInstances.Set(float64(len(c.instances)))
	}
}
