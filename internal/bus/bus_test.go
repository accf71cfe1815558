package bus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus(zerolog.Nop())
	_, chA := b.Subscribe()
	_, chB := b.Subscribe()

	n := b.Publish(SessionCreated(map[string]any{"name": "demo"}))
	require.Equal(t, 2, n)

	evA := <-chA
	evB := <-chB
	require.Equal(t, TypeSessionCreated, evA.Type)
	require.Equal(t, TypeSessionCreated, evB.Type)
}

func TestPublishDropIsolatesSlowSubscriber(t *testing.T) {
	b := NewBus(zerolog.Nop())
	idSlow, chSlow := b.SubscribeCapacity(1)
	_, chFast := b.SubscribeCapacity(8)

	// Fill the slow subscriber's queue.
	b.Publish(New("filler", nil))

	// This publish should drop for the slow subscriber but still reach fast.
	b.Publish(SessionUpdated(map[string]any{"name": "x"}))

	select {
	case ev := <-chFast:
		require.Equal(t, "filler", ev.Type)
	default:
		t.Fatal("fast subscriber missing first event")
	}
	ev2 := <-chFast
	require.Equal(t, TypeSessionUpdated, ev2.Type)

	// Slow subscriber only ever has the one filler event buffered.
	first := <-chSlow
	require.Equal(t, "filler", first.Type)
	select {
	case <-chSlow:
		t.Fatal("slow subscriber should not have received the dropped event")
	default:
	}

	b.Unsubscribe(idSlow)
	require.Equal(t, 1, b.SubscriberCount())
}

func TestUnsubscribeStopsDeliveryWithoutClosingChannel(t *testing.T) {
	b := NewBus(zerolog.Nop())
	id, ch := b.Subscribe()
	b.Unsubscribe(id)
	require.Equal(t, 0, b.SubscriberCount())
	require.Equal(t, 0, b.Publish(Heartbeat()))

	// The channel is left open and receives nothing further.
	select {
	case _, ok := <-ch:
		t.Fatalf("unexpected receive after Unsubscribe (ok=%v)", ok)
	default:
	}
}

func TestSessionStatusChangedPayload(t *testing.T) {
	ev := SessionStatusChanged(map[string]any{"name": "demo"}, "idle", "active")
	require.Equal(t, "idle", ev.Payload["old_status"])
	require.Equal(t, "active", ev.Payload["new_status"])
	require.Equal(t, "demo", ev.Payload["name"])
}
