package analytics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents the type of analytics event
type EventType string

const (
	EventTransition    EventType = "transition"
	EventLoadQueued    EventType = "load_queued"
	EventEviction      EventType = "eviction"
	EventViewability   EventType = "viewability"
	EventConfigInvalid EventType = "config_invalid"
)

// Event is one engine lifecycle event. States and formats travel as plain
// strings so sinks stay decoupled from the engine's types.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SlotID    string
	Format    string
	FromState string
	ToState   string
	Elapsed   time.Duration
	Price     decimal.Decimal
	Context   map[string]interface{}
}

// Sink receives engine events. Emit must never block; the engine fires and
// forgets.
type Sink interface {
	Emit(Event)
}

// Tracker is the default Sink: bounded event stream plus running counters.
// When the stream buffer is full, events are counted as dropped rather than
// blocking the scroll path.
type Tracker struct {
	TotalTransitions atomic.Uint64
	TotalFills       atomic.Uint64
	TotalNoFills     atomic.Uint64
	TotalImpressions atomic.Uint64
	TotalEvictions   atomic.Uint64
	DroppedEvents    atomic.Uint64

	// View-duration accounting, microseconds
	TotalViewMicros atomic.Uint64

	mu      sync.Mutex
	revenue decimal.Decimal

	stream chan Event
}

// NewTracker creates a tracker with the given stream buffer size.
func NewTracker(buffer int) *Tracker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Tracker{
		stream: make(chan Event, buffer),
	}
}

// Emit records the event and offers it to the stream. Never blocks.
func (t *Tracker) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	switch ev.Type {
	case EventTransition:
		t.TotalTransitions.Add(1)
		switch ev.ToState {
		case "loaded":
			t.TotalFills.Add(1)
			if ev.Price.GreaterThan(decimal.Zero) {
				t.mu.Lock()
				t.revenue = t.revenue.Add(ev.Price)
				t.mu.Unlock()
			}
		case "failed":
			t.TotalNoFills.Add(1)
		case "viewing":
			t.TotalImpressions.Add(1)
		}
	case EventViewability:
		t.TotalViewMicros.Add(uint64(ev.Elapsed.Microseconds()))
	case EventEviction:
		t.TotalEvictions.Add(1)
	}

	select {
	case t.stream <- ev:
	default:
		// Buffer full, drop event
		t.DroppedEvents.Add(1)
	}
}

// Events exposes the live event stream for consumers (dashboards, websocket
// fan-out). Consumers that fall behind lose events, not the engine.
func (t *Tracker) Events() <-chan Event {
	return t.stream
}

// Revenue returns the accumulated fill revenue.
func (t *Tracker) Revenue() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revenue
}

// Snapshot returns current counters for reporting endpoints.
func (t *Tracker) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"transitions":  t.TotalTransitions.Load(),
		"fills":        t.TotalFills.Load(),
		"no_fills":     t.TotalNoFills.Load(),
		"impressions":  t.TotalImpressions.Load(),
		"evictions":    t.TotalEvictions.Load(),
		"dropped":      t.DroppedEvents.Load(),
		"view_time_ms": float64(t.TotalViewMicros.Load()) / 1000.0,
		"revenue":      t.Revenue().String(),
	}
}

var _ Sink = (*Tracker)(nil)

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(Event) {}

var _ Sink = NoopSink{}

// MemorySink records events in order, for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the event.
func (s *MemorySink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// All returns a copy of the recorded events.
func (s *MemorySink) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns recorded events matching the given type.
func (s *MemorySink) OfType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var _ Sink = (*MemorySink)(nil)
