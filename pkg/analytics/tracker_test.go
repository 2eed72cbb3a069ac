package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTrackerCounters(t *testing.T) {
	require := require.New(t)

	tr := NewTracker(16)

	tr.Emit(Event{Type: EventTransition, FromState: "idle", ToState: "approaching"})
	tr.Emit(Event{Type: EventTransition, FromState: "approaching", ToState: "loading"})
	tr.Emit(Event{
		Type:      EventTransition,
		FromState: "loading",
		ToState:   "loaded",
		Price:     decimal.NewFromFloat(2.50),
	})
	tr.Emit(Event{Type: EventTransition, FromState: "loaded", ToState: "viewing"})
	tr.Emit(Event{Type: EventTransition, FromState: "loading", ToState: "failed"})
	tr.Emit(Event{Type: EventViewability, Elapsed: 1500 * time.Millisecond})
	tr.Emit(Event{Type: EventEviction})

	require.Equal(uint64(5), tr.TotalTransitions.Load())
	require.Equal(uint64(1), tr.TotalFills.Load())
	require.Equal(uint64(1), tr.TotalNoFills.Load())
	require.Equal(uint64(1), tr.TotalImpressions.Load())
	require.Equal(uint64(1), tr.TotalEvictions.Load())
	require.True(tr.Revenue().Equal(decimal.NewFromFloat(2.50)))

	snap := tr.Snapshot()
	require.Equal(uint64(1), snap["fills"])
	require.Equal(1500.0, snap["view_time_ms"])
}

func TestTrackerDropsWhenBufferFull(t *testing.T) {
	require := require.New(t)

	tr := NewTracker(1)
	tr.Emit(Event{Type: EventTransition, ToState: "approaching"})
	tr.Emit(Event{Type: EventTransition, ToState: "approaching"})
	tr.Emit(Event{Type: EventTransition, ToState: "approaching"})

	// Emit never blocked; overflow is accounted, not delivered.
	require.Equal(uint64(3), tr.TotalTransitions.Load())
	require.Equal(uint64(2), tr.DroppedEvents.Load())

	ev := <-tr.Events()
	require.Equal(EventTransition, ev.Type)
	require.False(ev.Timestamp.IsZero())
}

func TestMemorySink(t *testing.T) {
	require := require.New(t)

	s := NewMemorySink()
	s.Emit(Event{Type: EventTransition, SlotID: "a"})
	s.Emit(Event{Type: EventEviction, SlotID: "a"})
	s.Emit(Event{Type: EventTransition, SlotID: "b"})

	require.Len(s.All(), 3)
	require.Len(s.OfType(EventTransition), 2)
	require.Len(s.OfType(EventViewability), 0)
}
