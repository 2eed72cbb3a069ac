// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"time"

	"github.com/adxyz/infeed/pkg/ids"
)

// SlotState is one node of the per-slot lifecycle.
type SlotState string

const (
	StateIdle        SlotState = "idle"
	StateApproaching SlotState = "approaching"
	StateLoading     SlotState = "loading"
	StateLoaded      SlotState = "loaded"
	StateFailed      SlotState = "failed"
	StateViewing     SlotState = "viewing"
	StateViewed      SlotState = "viewed"
)

// allowedTransitions is the lifecycle graph. Idle is reachable from every
// state (eviction/unmount reset); Failed may re-enter Approaching for a
// bounded retry; Approaching goes straight to Loaded on a cache hit.
var allowedTransitions = map[SlotState][]SlotState{
	StateIdle:        {StateApproaching},
	StateApproaching: {StateLoading, StateLoaded, StateIdle},
	StateLoading:     {StateLoaded, StateFailed, StateIdle},
	StateLoaded:      {StateViewing, StateIdle},
	StateFailed:      {StateApproaching, StateIdle},
	StateViewing:     {StateViewed, StateIdle},
	StateViewed:      {StateIdle},
}

// canTransition reports whether from -> to is a legal lifecycle edge.
func canTransition(from, to SlotState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AdSlot is one placeholder position in a feed designated to show one ad.
// The slot never owns its AdInstance: the cache does, and the slot is only a
// key into it. State is mutated exclusively under the engine's lock, so
// transitions within one slot are strictly ordered.
type AdSlot struct {
	ID        ids.SlotID
	FeedIndex int
	Format    Format

	state        SlotState
	loadAttempts int

	// permanentFail latches once loadAttempts reaches the policy maximum;
	// further viewport crossings never re-trigger a load this session.
	permanentFail bool

	// gen distinguishes mount epochs, so a load result that arrives after the
	// slot was unmounted and remounted is discarded instead of stored.
	gen uint64

	firstApproachAt  time.Time
	loadStartAt      time.Time
	loadedAt         time.Time
	viewEnterAt      time.Time
	lastTransitionAt time.Time
}

// State returns the slot's current lifecycle state.
func (s *AdSlot) State() SlotState { return s.state }

// LoadAttempts returns how many loads have been started for this slot.
func (s *AdSlot) LoadAttempts() int { return s.loadAttempts }

// PermanentlyFailed reports whether the slot exhausted its attempts.
func (s *AdSlot) PermanentlyFailed() bool { return s.permanentFail }
