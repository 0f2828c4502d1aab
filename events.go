package gare

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/model"
)

// Event is the sealed set of internal notifications exchanged between the
// coordinator, snapshot store, gateway and workers. Variants carry typed
// payloads so subscribers never switch on string names.
type Event interface {
	isEvent()
}

// OperationCompleted fires when an operation finishes successfully. The
// operation carries its result.
type OperationCompleted struct {
	Operation model.Operation
}

// OperationFailed fires when an operation errors out or exhausts its
// requeue budget.
type OperationFailed struct {
	Operation model.Operation
}

// OperationConflict fires when an operation loses to a competing one, either
// at submission or through a failed conditional update.
type OperationConflict struct {
	Operation model.Operation
}

// SnapshotApplied fires for every snapshot the store accepted as strictly
// newer. Stale updates never raise it.
type SnapshotApplied struct {
	EntityType model.EntityType
	EntityID   string
	Action     model.SyncAction
	Payload    json.RawMessage
	Version    int64
}

// BookingConfirmed fires once a booking and its payment settle.
type BookingConfirmed struct {
	Booking model.Booking
}

// VehicleDeparted fires when a vehicle leaves the loading queue.
type VehicleDeparted struct {
	VehicleID     string
	DestinationID string
}

// LinkStateChanged mirrors the central link state machine for local
// observers.
type LinkStateChanged struct {
	State string
}

// ConnectionDropped fires when the pool manager evicts a client.
type ConnectionDropped struct {
	ConnectionID string
	Reason       string
}

func (OperationCompleted) isEvent() {}
func (OperationFailed) isEvent()    {}
func (OperationConflict) isEvent()  {}
func (SnapshotApplied) isEvent()    {}
func (BookingConfirmed) isEvent()   {}
func (VehicleDeparted) isEvent()    {}
func (LinkStateChanged) isEvent()   {}
func (ConnectionDropped) isEvent()  {}

// EventBus fans events out to subscribers over buffered channels. Publish
// never blocks; when a subscriber's buffer is full its oldest event is
// dropped to make room, so a stalled consumer only loses its own history.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	depth  int
}

// NewEventBus creates a bus whose subscriber channels buffer up to depth
// events each.
func NewEventBus(depth int) *EventBus {
	if depth <= 0 {
		depth = 64
	}
	return &EventBus{
		subs:  make(map[int]chan Event),
		depth: depth,
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. Cancel closes the channel and detaches the subscriber.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.depth)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking the
// caller.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
				logrus.Warnf("event subscriber %d is slow, dropping its oldest event", id)
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
