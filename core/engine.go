// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adxyz/infeed/pkg/analytics"
	"github.com/adxyz/infeed/pkg/gateway"
	"github.com/adxyz/infeed/pkg/ids"
	"github.com/adxyz/infeed/pkg/log"
	"github.com/adxyz/infeed/pkg/metric"
)

// Default scroll geometry for the built-in tracker. Hosts with real
// measurements supply their own ViewportTracker instead.
const (
	defaultRowHeightPx      = 300
	defaultViewportHeightPx = 800
)

// Options configures one feed session engine.
type Options struct {
	ViewType string
	Policy   *AdPolicy
	Platform Platform
	Gateway  gateway.LoadGateway

	// Tracker is optional; when nil the engine owns a ScrollTracker with the
	// default row geometry and drives it from OnScroll.
	Tracker ViewportTracker

	Sink    analytics.Sink
	Metrics *metric.Metrics
	Logger  log.Logger

	// Targeting is forwarded opaquely on every load.
	Targeting gateway.Targeting
}

// SlotView is what the feed renderer needs to draw one slot.
type SlotView struct {
	State    SlotState
	Instance *gateway.AdInstance
	// Collapse: render nothing, reclaim the row (skipIfNotReady policies).
	Collapse bool
	// Placeholder: render a static placeholder sized like the expected ad.
	Placeholder bool
}

// Engine is the per-feed ad placement session. It owns the slot registry and
// every slot's state; viewport crossings, scroll updates and load completions
// all funnel through its lock, so transitions within a slot are strictly
// ordered. Construct one per feed and pass it by reference; there is no
// process-wide instance.
type Engine struct {
	viewType string
	policy   *AdPolicy
	platform Platform
	session  ids.SessionID
	adUnitID string
	disabled bool

	gw        gateway.LoadGateway
	tracker   ViewportTracker
	scroll    *ScrollTracker // non-nil when the engine owns the tracker
	cache     *CacheManager
	freq      *FrequencyCapper // non-nil when the policy carries a cap
	sink      analytics.Sink
	metrics   *metric.Metrics
	log       log.Logger
	targeting gateway.Targeting

	// Coalesces racing load starts per slot; together with the state machine
	// this guarantees one underlying gateway call per attempt.
	sf singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	shape       FeedShape
	positions   []int
	positionSet map[int]struct{}
	slots       map[int]*AdSlot
	slotsByID   map[ids.SlotID]*AdSlot
	genSeq      uint64
	closed      bool
}

// NewEngine validates the policy and builds a session. A policy that fails
// validation is surfaced as an error AND yields a usable engine with ad
// placement disabled for the whole view, so the feed keeps rendering content.
func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NoOp()
	}
	sink := opts.Sink
	if sink == nil {
		sink = analytics.NoopSink{}
	}

	policy := opts.Policy
	if policy == nil {
		policy = &AdPolicy{}
	}
	policy.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		viewType:    opts.ViewType,
		policy:      policy,
		platform:    opts.Platform,
		session:     ids.NewSessionID(),
		gw:          opts.Gateway,
		sink:        sink,
		metrics:     opts.Metrics,
		log:         logger.With("view", opts.ViewType),
		targeting:   opts.Targeting,
		ctx:         ctx,
		cancel:      cancel,
		positionSet: make(map[int]struct{}),
		slots:       make(map[int]*AdSlot),
		slotsByID:   make(map[ids.SlotID]*AdSlot),
	}

	if err := policy.Validate(); err != nil {
		// Fails closed: the whole view places no ads. Logged once, here.
		e.disabled = true
		e.log.Error("ad policy rejected, view disabled", "err", err)
		sink.Emit(analytics.Event{
			Type:    analytics.EventConfigInvalid,
			Context: map[string]interface{}{"view": opts.ViewType, "error": err.Error()},
		})
		return e, err
	}
	if !policy.Enabled {
		e.disabled = true
		return e, nil
	}

	adUnit, err := ResolveAdUnit(policy, opts.Platform)
	if err != nil {
		e.disabled = true
		e.log.Error("ad unit resolution failed, view disabled", "err", err)
		sink.Emit(analytics.Event{
			Type:    analytics.EventConfigInvalid,
			Context: map[string]interface{}{"view": opts.ViewType, "error": err.Error()},
		})
		return e, err
	}
	e.adUnitID = adUnit

	if e.gw == nil {
		e.disabled = true
		e.log.Error("no load gateway configured, view disabled")
		return e, errors.New("engine: nil LoadGateway")
	}

	if opts.Tracker != nil {
		e.tracker = opts.Tracker
	} else {
		st := NewScrollTracker(defaultRowHeightPx, defaultViewportHeightPx, policy.LazyLoadThresholdPx)
		e.tracker = st
		e.scroll = st
	}
	e.tracker.Subscribe(e.onViewportEvent)

	e.cache = NewCacheManager(policy.MaxCachedInstances, policy.UnloadDistance, e.log, opts.Metrics)
	if policy.MaxImpressionsPerHour > 0 {
		e.freq = NewFrequencyCapper()
	}

	e.log.Info("feed session started",
		"session", string(e.session),
		"format", string(policy.Format),
		"ad_unit", adUnit,
		"test_mode", policy.TestMode)

	return e, nil
}

// Session returns the session identifier slot ids are derived from.
func (e *Engine) Session() ids.SessionID { return e.session }

// Disabled reports whether the view's placement is switched off
// (invalid or disabled policy).
func (e *Engine) Disabled() bool { return e.disabled }

// SetFeed plans slot positions for the current feed shape. Called once per
// render pass; slots at indices that are no longer planned are unmounted.
func (e *Engine) SetFeed(shape FeedShape) {
	if e.disabled {
		return
	}

	positions := Plan(e.policy, shape)

	e.mu.Lock()
	e.shape = shape
	e.positions = positions
	e.positionSet = make(map[int]struct{}, len(positions))
	for _, p := range positions {
		e.positionSet[p] = struct{}{}
	}

	var stale []int
	for idx := range e.slots {
		if _, ok := e.positionSet[idx]; !ok {
			stale = append(stale, idx)
		}
	}
	for _, idx := range stale {
		e.unmountLocked(idx)
	}
	e.mu.Unlock()

	e.log.Debug("feed planned", "length", shape.TotalLength(), "slots", len(positions))
}

// Positions returns the planned slot indices for the current feed.
func (e *Engine) Positions() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.positions))
	copy(out, e.positions)
	return out
}

// ShouldShowAdAt reports whether the item at the given feed index must render
// an ad slot instead of content.
func (e *Engine) ShouldShowAdAt(index int) bool {
	if e.disabled {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positionSet[index]
	return ok
}

// ShouldShowAdInBlock is the sectioned-feed variant: block-relative index.
func (e *Engine) ShouldShowAdInBlock(blockIndex, indexInBlock int) bool {
	if e.disabled {
		return false
	}
	e.mu.Lock()
	start := e.shape.blockStart(blockIndex)
	e.mu.Unlock()
	if start < 0 || indexInBlock < 0 {
		return false
	}
	return e.ShouldShowAdAt(start + indexInBlock)
}

// MountSlot creates (or returns) the slot for a planned index and registers
// it with the viewport tracker. At most one slot exists per feed index;
// remounting an index returns the existing slot id.
func (e *Engine) MountSlot(index int) (ids.SlotID, bool) {
	if e.disabled {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", false
	}
	if _, planned := e.positionSet[index]; !planned {
		return "", false
	}
	if existing, ok := e.slots[index]; ok {
		return existing.ID, true
	}

	e.genSeq++
	slot := &AdSlot{
		ID:        ids.NewSlotID(e.session, index),
		FeedIndex: index,
		Format:    e.policy.Format,
		state:     StateIdle,
		gen:       e.genSeq,
	}
	e.slots[index] = slot
	e.slotsByID[slot.ID] = slot
	e.tracker.Register(slot.ID, index)

	if e.metrics != nil {
		e.metrics.SlotsMounted.Set(float64(len(e.slots)))
	}
	e.log.Debug("slot mounted", "slot", slot.ID.String(), "index", index)
	return slot.ID, true
}

// UnmountSlot destroys the slot at the given index: lifecycle reset, tracker
// deregistration and release of any cached instance. A load still in flight
// is not cancelled; its result is discarded on arrival.
func (e *Engine) UnmountSlot(index int) {
	e.mu.Lock()
	e.unmountLocked(index)
	e.mu.Unlock()
}

// OnScroll drives the engine-owned tracker from an absolute scroll offset.
// Hosts that supplied their own ViewportTracker call UpdatePosition instead.
func (e *Engine) OnScroll(offsetPx int) {
	if e.disabled {
		return
	}
	if e.scroll == nil {
		e.log.Warn("OnScroll called with an external tracker; use UpdatePosition")
		return
	}
	e.scroll.SetScrollOffset(offsetPx)
	e.UpdatePosition(e.scroll.CurrentIndex())
}

// UpdatePosition advances the feed position (in slot-index units): the cache
// window moves, out-of-window instances are evicted, queued admissions are
// retried, and at most one preload is issued. A position change always
// re-evaluates queued requests, so admission never deadlocks.
func (e *Engine) UpdatePosition(pos int) {
	if e.disabled {
		return
	}

	admitted, evicted := e.cache.OnScrollPosition(pos)

	e.mu.Lock()
	for _, id := range evicted {
		if slot, ok := e.slotsByID[id]; ok {
			e.resetSlotLocked(slot, "window")
		}
	}
	for _, id := range admitted {
		slot, ok := e.slotsByID[id]
		if !ok || slot.state != StateApproaching {
			e.cache.Fail(id)
			continue
		}
		e.startLoadLocked(slot)
	}
	e.preloadLocked(pos)
	e.mu.Unlock()
}

// SlotView tells the renderer what to draw at a planned index. Failed slots
// either collapse or show a placeholder, per policy, so there is no layout
// shift either way.
func (e *Engine) SlotView(index int) SlotView {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.slots[index]
	if !ok {
		return SlotView{State: StateIdle, Placeholder: e.policy != nil && e.policy.ShowPlaceholder}
	}

	view := SlotView{State: slot.state}
	switch slot.state {
	case StateLoaded, StateViewing, StateViewed:
		if inst, ok := e.cache.Get(slot.ID); ok {
			view.Instance = inst
		}
	case StateFailed:
		if e.policy.SkipIfNotReady {
			view.Collapse = true
		} else if e.policy.ShowPlaceholder {
			view.Placeholder = true
		}
	default:
		view.Placeholder = e.policy.ShowPlaceholder
	}
	return view
}

// CachedInstances returns the number of instances currently resident.
func (e *Engine) CachedInstances() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Len()
}

// Close tears the session down: every slot is unmounted and in-flight loads
// are waited out (their results are discarded).
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	e.closed = true
	for idx := range e.slots {
		e.unmountLocked(idx)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info("feed session closed", "session", string(e.session))
}

// ---- lifecycle internals; all *Locked methods run under e.mu ----

func (e *Engine) onViewportEvent(ev ViewportEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.slotsByID[ev.SlotID]
	if !ok || e.closed {
		return
	}

	switch ev.Signal {
	case SignalApproach:
		if slot.permanentFail {
			return
		}
		if slot.state == StateIdle || slot.state == StateFailed {
			if e.capReachedLocked() {
				// Cap is per hour epoch; the slot stays Idle so a later
				// approach re-evaluates after rollover.
				e.log.Debug("frequency cap reached, load suppressed", "slot", slot.ID.String())
				return
			}
			e.transitionLocked(slot, StateApproaching, nil)
			e.requestLoadLocked(slot)
		}
	case SignalEnter:
		if slot.state == StateLoaded {
			e.transitionLocked(slot, StateViewing, nil)
		}
	case SignalExit:
		if slot.state == StateViewing {
			viewed := time.Since(slot.viewEnterAt)
			e.transitionLocked(slot, StateViewed, nil)
			e.sink.Emit(analytics.Event{
				Type:    analytics.EventViewability,
				SlotID:  slot.ID.String(),
				Format:  string(slot.Format),
				Elapsed: viewed,
			})
			if e.metrics != nil {
				e.metrics.ViewDuration.Observe(viewed.Seconds())
			}
		}
	}
}

// capReachedLocked reports whether the view's hourly impression cap is spent.
func (e *Engine) capReachedLocked() bool {
	if e.freq == nil {
		return false
	}
	return !e.freq.Allowed(e.adUnitID, uint32(e.policy.MaxImpressionsPerHour))
}

// requestLoadLocked funnels an Approaching slot through cache admission.
func (e *Engine) requestLoadLocked(slot *AdSlot) {
	adm, evicted := e.cache.RequestLoad(slot.ID, slot.FeedIndex)
	for _, id := range evicted {
		if victim, ok := e.slotsByID[id]; ok && victim != slot {
			e.resetSlotLocked(victim, "capacity")
		}
	}

	switch adm {
	case AdmissionAdmitted:
		e.startLoadLocked(slot)
	case AdmissionLoaded:
		// Instance survived from a previous mount epoch of this index.
		// No gateway call happens, so no Loading edge and no attempt spent.
		inst, _ := e.cache.Get(slot.ID)
		e.transitionLocked(slot, StateLoaded, inst)
		if d, ok := e.tracker.DistanceFromViewport(slot.ID); ok && d == 0 {
			e.transitionLocked(slot, StateViewing, nil)
		}
	case AdmissionQueued:
		e.sink.Emit(analytics.Event{
			Type:   analytics.EventLoadQueued,
			SlotID: slot.ID.String(),
			Format: string(slot.Format),
		})
	case AdmissionInFlight:
		// Nothing to do; the running load will resolve this slot.
	}
}

// startLoadLocked moves the slot to Loading and launches the gateway call.
func (e *Engine) startLoadLocked(slot *AdSlot) {
	e.transitionLocked(slot, StateLoading, nil)

	id, gen := slot.ID, slot.gen
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		v, err, _ := e.sf.Do(id.String(), func() (interface{}, error) {
			return e.gw.Load(e.ctx, e.adUnitID, e.targeting)
		})
		var inst *gateway.AdInstance
		if err == nil {
			inst, _ = v.(*gateway.AdInstance)
		}
		e.onLoadResult(id, gen, inst, err)
	}()
}

func (e *Engine) onLoadResult(id ids.SlotID, gen uint64, inst *gateway.AdInstance, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.slotsByID[id]
	if !ok {
		// Unmounted while loading; Release already cleared the admission.
		e.cache.Fail(id)
		return
	}
	if slot.gen != gen || slot.state != StateLoading {
		// Stale epoch. A remounted slot reuses the same id, so a fresh
		// admission may be in flight under this key; leave the cache alone.
		return
	}

	if err != nil {
		e.cache.Fail(id)
		e.observeLoadFailure(err)
		e.transitionLocked(slot, StateFailed, nil)
		e.log.Debug("load failed",
			"slot", id.String(),
			"attempt", slot.loadAttempts,
			"err", err)

		if slot.loadAttempts < e.policy.MaxAttempts {
			e.transitionLocked(slot, StateApproaching, nil)
			e.requestLoadLocked(slot)
		} else {
			slot.permanentFail = true
		}
		return
	}

	if !e.cache.Store(id, inst) {
		e.resetSlotLocked(slot, "discard")
		return
	}

	e.transitionLocked(slot, StateLoaded, inst)
	if e.metrics != nil {
		e.metrics.Fills.Inc()
		e.metrics.LoadDuration.Observe(time.Since(slot.loadStartAt).Seconds())
	}

	// The slot may have entered the viewport while the load was in flight.
	if d, ok := e.tracker.DistanceFromViewport(id); ok && d == 0 {
		e.transitionLocked(slot, StateViewing, nil)
	}
}

func (e *Engine) observeLoadFailure(err error) {
	if e.metrics == nil {
		return
	}
	reason := "sdk"
	switch {
	case errors.Is(err, gateway.ErrNoFill):
		reason = "no_fill"
	case errors.Is(err, gateway.ErrTimeout):
		reason = "timeout"
	case errors.Is(err, gateway.ErrNetwork):
		reason = "network"
	}
	e.metrics.LoadFailures.WithLabelValues(reason).Inc()
}

// preloadLocked issues at most one load for the nearest not-yet-requested
// slot ahead of the position, within preloadDistance. One per update bounds
// peak concurrent SDK load.
func (e *Engine) preloadLocked(pos int) {
	if e.policy.PreloadDistance <= 0 {
		return
	}
	for _, idx := range e.positions {
		if idx <= pos || idx-pos > e.policy.PreloadDistance {
			continue
		}
		slot, ok := e.slots[idx]
		if !ok || slot.state != StateIdle || slot.permanentFail {
			continue
		}
		if e.capReachedLocked() {
			return
		}
		e.transitionLocked(slot, StateApproaching, nil)
		e.requestLoadLocked(slot)
		if e.metrics != nil {
			e.metrics.PreloadsIssued.Inc()
		}
		return
	}
}

// transitionLocked performs one lifecycle edge: timestamps, exactly one
// analytics event, metrics. Illegal edges are rejected loudly.
func (e *Engine) transitionLocked(slot *AdSlot, to SlotState, inst *gateway.AdInstance) {
	from := slot.state
	if !canTransition(from, to) {
		e.log.Warn("illegal slot transition rejected",
			"slot", slot.ID.String(),
			"from", string(from),
			"to", string(to))
		return
	}

	now := time.Now()
	var elapsed time.Duration
	if !slot.lastTransitionAt.IsZero() {
		elapsed = now.Sub(slot.lastTransitionAt)
	}
	slot.state = to
	slot.lastTransitionAt = now

	switch to {
	case StateApproaching:
		if slot.firstApproachAt.IsZero() {
			slot.firstApproachAt = now
		}
	case StateLoading:
		slot.loadStartAt = now
		slot.loadAttempts++
	case StateLoaded:
		slot.loadedAt = now
	case StateViewing:
		slot.viewEnterAt = now
		if e.freq != nil {
			e.freq.Record(e.adUnitID, uint32(e.policy.MaxImpressionsPerHour))
		}
	}

	ev := analytics.Event{
		Type:      analytics.EventTransition,
		Timestamp: now,
		SlotID:    slot.ID.String(),
		Format:    string(slot.Format),
		FromState: string(from),
		ToState:   string(to),
		Elapsed:   elapsed,
	}
	if inst != nil {
		ev.Price = inst.Price
	}
	e.sink.Emit(ev)

	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// resetSlotLocked returns a slot to Idle after eviction. The generation bump
// makes any in-flight result for the old epoch unstorable.
func (e *Engine) resetSlotLocked(slot *AdSlot, reason string) {
	if slot.state == StateIdle {
		return
	}
	e.genSeq++
	slot.gen = e.genSeq
	e.transitionLocked(slot, StateIdle, nil)
	e.sink.Emit(analytics.Event{
		Type:    analytics.EventEviction,
		SlotID:  slot.ID.String(),
		Format:  string(slot.Format),
		Context: map[string]interface{}{"reason": reason},
	})
}

func (e *Engine) unmountLocked(index int) {
	slot, ok := e.slots[index]
	if !ok {
		return
	}
	e.resetSlotLocked(slot, "unmount")
	e.tracker.Unregister(slot.ID)
	e.cache.Release(slot.ID)
	delete(e.slots, index)
	delete(e.slotsByID, slot.ID)
	if e.metrics != nil {
		e.metrics.SlotsMounted.Set(float64(len(e.slots)))
	}
	e.log.Debug("slot unmounted", "slot", slot.ID.String(), "index", index)
}
