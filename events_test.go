package gare

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewEventBus(8)
	first, cancelFirst := bus.Subscribe()
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe()
	defer cancelSecond()

	bus.Publish(LinkStateChanged{State: "connected"})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case event := <-ch:
			state, ok := event.(LinkStateChanged)
			assert.True(t, ok)
			assert.Equal(t, "connected", state.State)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEventBusDropsOldestWhenSubscriberStalls(t *testing.T) {
	bus := NewEventBus(2)
	events, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(LinkStateChanged{State: "one"})
	bus.Publish(LinkStateChanged{State: "two"})
	bus.Publish(LinkStateChanged{State: "three"})

	got := <-events
	assert.Equal(t, "two", got.(LinkStateChanged).State)
	got = <-events
	assert.Equal(t, "three", got.(LinkStateChanged).State)
}

func TestEventBusCancelDetachesSubscriber(t *testing.T) {
	bus := NewEventBus(4)
	_, cancel := bus.Subscribe()
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	assert.Equal(t, 0, bus.Subscribers())

	bus.Publish(ConnectionDropped{ConnectionID: "conn_1", Reason: "idle"})
}

func TestEventBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewEventBus(4)
	bus.Publish(LinkStateChanged{State: "disconnected"})
	assert.Equal(t, 0, bus.Subscribers())
}
