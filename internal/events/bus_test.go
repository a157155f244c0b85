package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	m "github.com/ocx/hubd/internal/model"
)

func TestWildcardSubscriberReceivesEveryType(t *testing.T) {
	bus := New(0, 0, nil)
	ch := bus.Subscribe()

	bus.Emit(m.EventTaskCreated, "t1", nil)
	bus.Emit(m.EventTaskStarted, "t1", nil)

	first := <-ch
	require.Equal(t, m.EventTaskCreated, first.Type)
	second := <-ch
	require.Equal(t, m.EventTaskStarted, second.Type)
}

func TestExactTypeSubscriberFiltersOthers(t *testing.T) {
	bus := New(0, 0, nil)
	ch := bus.Subscribe(string(m.EventTaskCompleted))

	bus.Emit(m.EventTaskCreated, "t1", nil)
	bus.Emit(m.EventTaskCompleted, "t1", nil)

	select {
	case evt := <-ch:
		require.Equal(t, m.EventTaskCompleted, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected the completed event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event delivered: %v", evt.Type)
	default:
	}
}

func TestFullSubscriberBufferDropsRatherThanBlocks(t *testing.T) {
	bus := New(1, 0, nil)
	ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(m.EventProgressUpdate, "t1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	<-ch
}

func TestGetRecentFiltersByTypeAndSince(t *testing.T) {
	bus := New(0, 0, nil)
	bus.Emit(m.EventTaskCreated, "t1", nil)
	cutoff := time.Now().UTC()
	time.Sleep(time.Millisecond)
	bus.Emit(m.EventTaskCompleted, "t2", nil)

	recent := bus.GetRecent(RecentFilter{Type: string(m.EventTaskCompleted)})
	require.Len(t, recent, 1)
	require.Equal(t, "t2", recent[0].TaskID)

	sinceRecent := bus.GetRecent(RecentFilter{Since: cutoff})
	require.Len(t, sinceRecent, 1)
	require.Equal(t, "t2", sinceRecent[0].TaskID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(0, 0, nil)
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	require.Equal(t, 0, bus.SubscriberCount())
	_, ok := <-ch
	require.False(t, ok)
}
