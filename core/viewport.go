// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"sync"

	"github.com/adxyz/infeed/pkg/ids"
)

// ViewportSignal classifies a threshold crossing.
type ViewportSignal int

const (
	// SignalApproach fires when a slot's distance first drops to or below
	// the lazy-load threshold.
	SignalApproach ViewportSignal = iota
	// SignalEnter fires when the slot starts intersecting the viewport.
	SignalEnter
	// SignalExit fires when a previously visible slot leaves the viewport.
	SignalExit
)

// ViewportEvent is delivered to subscribers on a threshold crossing.
type ViewportEvent struct {
	SlotID     ids.SlotID
	FeedIndex  int
	Signal     ViewportSignal
	DistancePx int
}

// ViewportTracker abstracts the host UI's scroll machinery. The engine only
// ever sees pixel distances and crossing events, never scroll callbacks.
type ViewportTracker interface {
	Register(id ids.SlotID, feedIndex int)
	Unregister(id ids.SlotID)
	// DistanceFromViewport returns how many pixels separate the slot from
	// the visible window; 0 means the slot intersects it. ok is false for
	// unregistered slots.
	DistanceFromViewport(id ids.SlotID) (px int, ok bool)
	Subscribe(fn func(ViewportEvent))
}

// ScrollTracker is a ViewportTracker driven by absolute scroll offsets over a
// uniform-row feed model. It is what the simulator and tests use; a real host
// feeds its own measurements through the same interface.
type ScrollTracker struct {
	rowHeightPx      int
	viewportHeightPx int
	thresholdPx      int

	mu       sync.Mutex
	offsetPx int
	slots    map[ids.SlotID]*trackedSlot
	subs     []func(ViewportEvent)
}

type trackedSlot struct {
	feedIndex int
	// approached latches while the slot sits within the threshold band; it
	// re-arms once the slot moves back out, so a later approach fires again.
	approached bool
	visible    bool
}

// NewScrollTracker creates a tracker for rows of rowHeightPx inside a
// viewport of viewportHeightPx, firing approach signals at thresholdPx.
func NewScrollTracker(rowHeightPx, viewportHeightPx, thresholdPx int) *ScrollTracker {
	if rowHeightPx <= 0 {
		rowHeightPx = 1
	}
	return &ScrollTracker{
		rowHeightPx:      rowHeightPx,
		viewportHeightPx: viewportHeightPx,
		thresholdPx:      thresholdPx,
		slots:            make(map[ids.SlotID]*trackedSlot),
	}
}

// Register starts tracking a slot. The initial crossing state is computed on
// the next offset update.
func (t *ScrollTracker) Register(id ids.SlotID, feedIndex int) {
	t.mu.Lock()
	t.slots[id] = &trackedSlot{feedIndex: feedIndex}
	t.mu.Unlock()
}

// Unregister stops tracking a slot.
func (t *ScrollTracker) Unregister(id ids.SlotID) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// Subscribe adds a crossing handler. Handlers run on the goroutine that
// updates the scroll offset, after the tracker lock is released.
func (t *ScrollTracker) Subscribe(fn func(ViewportEvent)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// DistanceFromViewport implements ViewportTracker.
func (t *ScrollTracker) DistanceFromViewport(id ids.SlotID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.slots[id]
	if !ok {
		return 0, false
	}
	return t.distanceLocked(ts.feedIndex), true
}

// CurrentIndex returns the feed index of the topmost visible row.
func (t *ScrollTracker) CurrentIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offsetPx / t.rowHeightPx
}

// SetScrollOffset moves the viewport and fires crossing events for every slot
// whose band changed. Events are delivered after the lock is dropped so
// handlers may call back into the tracker.
func (t *ScrollTracker) SetScrollOffset(px int) {
	if px < 0 {
		px = 0
	}

	t.mu.Lock()
	t.offsetPx = px

	var fired []ViewportEvent
	for id, ts := range t.slots {
		dist := t.distanceLocked(ts.feedIndex)

		visible := dist == 0
		if visible && !ts.visible {
			fired = append(fired, ViewportEvent{SlotID: id, FeedIndex: ts.feedIndex, Signal: SignalEnter})
		} else if !visible && ts.visible {
			fired = append(fired, ViewportEvent{SlotID: id, FeedIndex: ts.feedIndex, Signal: SignalExit, DistancePx: dist})
		}
		ts.visible = visible

		within := dist <= t.thresholdPx
		if within && !ts.approached {
			fired = append(fired, ViewportEvent{SlotID: id, FeedIndex: ts.feedIndex, Signal: SignalApproach, DistancePx: dist})
		}
		ts.approached = within
	}
	subs := t.subs
	t.mu.Unlock()

	for _, ev := range fired {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// distanceLocked computes the pixel gap between a row and the viewport.
func (t *ScrollTracker) distanceLocked(feedIndex int) int {
	top := feedIndex * t.rowHeightPx
	bottom := top + t.rowHeightPx
	viewTop := t.offsetPx
	viewBottom := t.offsetPx + t.viewportHeightPx

	switch {
	case bottom <= viewTop:
		return viewTop - bottom
	case top >= viewBottom:
		return top - viewBottom
	default:
		return 0
	}
}

var _ ViewportTracker = (*ScrollTracker)(nil)
