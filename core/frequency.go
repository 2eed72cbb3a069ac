// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"errors"
	"sync"
	"time"
)

var ErrFrequencyCapExceeded = errors.New("frequency cap exceeded")

// FrequencyCapper bounds how often a given ad unit is shown. Counters are
// device-local and keyed by hour epoch, so the cap rolls over without any
// cleanup pass. No user identifier is involved.
type FrequencyCapper struct {
	mu       sync.RWMutex
	counters map[string]*unitCounter
}

type unitCounter struct {
	count   uint32
	cap     uint32
	epochID uint32
}

// NewFrequencyCapper creates an empty capper.
func NewFrequencyCapper() *FrequencyCapper {
	return &FrequencyCapper{
		counters: make(map[string]*unitCounter),
	}
}

// Allowed reports whether the ad unit is still under its cap for the current
// epoch. It does not consume an impression; call Record when the ad actually
// enters the viewport.
func (fc *FrequencyCapper) Allowed(adUnitID string, cap uint32) bool {
	if cap == 0 {
		return true
	}
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	c, ok := fc.counters[adUnitID]
	if !ok || c.epochID != currentEpoch() {
		return true
	}
	return c.count < cap
}

// Record counts one impression against the ad unit in the current epoch.
func (fc *FrequencyCapper) Record(adUnitID string, cap uint32) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	epoch := currentEpoch()
	c, ok := fc.counters[adUnitID]
	if !ok || c.epochID != epoch {
		c = &unitCounter{cap: cap, epochID: epoch}
		fc.counters[adUnitID] = c
	}
	c.count++
}

// Count returns the impression count for the ad unit in the current epoch.
func (fc *FrequencyCapper) Count(adUnitID string) uint32 {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	c, ok := fc.counters[adUnitID]
	if !ok || c.epochID != currentEpoch() {
		return 0
	}
	return c.count
}

// Hour-based epochs.
func currentEpoch() uint32 {
	return uint32(time.Now().Unix() / 3600)
}
