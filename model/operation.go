package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OperationKind identifies the mutation a client requested. Each kind carries
// its own payload type; DecodeOperationPayload is the single place raw wire
// data becomes a typed payload.
type OperationKind string

const (
	OpBooking        OperationKind = "booking"
	OpSeatAssignment OperationKind = "seat_assignment"
	OpVehicleStatus  OperationKind = "vehicle_status"
	OpPayment        OperationKind = "payment"
	OpQueueUpdate    OperationKind = "queue_update"
)

type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpProcessing OperationStatus = "processing"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpConflict   OperationStatus = "conflict"
)

// Terminal reports whether the operation has left the active set.
func (s OperationStatus) Terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpConflict
}

// ConflictPolicy decides what happens when two operations of the same kind
// race for the same resource while one is already processing.
type ConflictPolicy string

const (
	PolicyLastWins  ConflictPolicy = "last_wins"
	PolicyFirstWins ConflictPolicy = "first_wins"
	PolicyMerge     ConflictPolicy = "merge"
)

// ConflictPolicy returns the fixed policy for the kind. Bookings merge when
// their seat sets are provably disjoint; payments and seat assignments are
// first-wins because reordering money or named seats is never safe; status
// and queue rewrites are last-wins because the newest picture of the yard is
// the correct one.
func (k OperationKind) ConflictPolicy() ConflictPolicy {
	switch k {
	case OpBooking:
		return PolicyMerge
	case OpSeatAssignment:
		return PolicyFirstWins
	case OpVehicleStatus:
		return PolicyLastWins
	case OpPayment:
		return PolicyFirstWins
	case OpQueueUpdate:
		return PolicyLastWins
	}
	return PolicyFirstWins
}

// ImmediateEligible reports whether the kind may bypass the pending queue
// regardless of priority. Payments and vehicle status changes (including
// removal from service) are in the set.
func (k OperationKind) ImmediateEligible() bool {
	return k == OpPayment || k == OpVehicleStatus
}

// OperationPayload is the sealed set of per-kind payloads.
type OperationPayload interface {
	isOperationPayload()
}

// BookingPayload requests seats for a destination. SeatCodes is optional;
// when both racing bookings declare explicit codes the merge policy can prove
// them disjoint, otherwise the race is rejected.
type BookingPayload struct {
	DestinationID string   `json:"destination_id"`
	Seats         int      `json:"seats"`
	SeatCodes     []string `json:"seat_codes,omitempty"`
	Passenger     string   `json:"passenger,omitempty"`
}

type SeatAssignmentPayload struct {
	VehicleID string   `json:"vehicle_id"`
	SeatCodes []string `json:"seat_codes"`
	Passenger string   `json:"passenger,omitempty"`
}

type VehicleStatusPayload struct {
	Status VehicleStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

type PaymentPayload struct {
	BookingID string          `json:"booking_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
}

// QueueUpdatePayload reorders vehicles within a destination queue. Positions
// maps vehicle id to its new rank, 1 being next to load.
type QueueUpdatePayload struct {
	Positions map[string]int `json:"positions"`
}

func (BookingPayload) isOperationPayload()        {}
func (SeatAssignmentPayload) isOperationPayload() {}
func (VehicleStatusPayload) isOperationPayload()  {}
func (PaymentPayload) isOperationPayload()        {}
func (QueueUpdatePayload) isOperationPayload()    {}

// DecodeOperationPayload turns raw wire data into the typed payload for the
// kind. Unknown kinds are rejected here so nothing downstream needs a default
// branch.
func DecodeOperationPayload(kind OperationKind, data json.RawMessage) (OperationPayload, error) {
	switch kind {
	case OpBooking:
		var p BookingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpSeatAssignment:
		var p SeatAssignmentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpVehicleStatus:
		var p VehicleStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpPayment:
		var p PaymentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpQueueUpdate:
		var p QueueUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown operation kind %q", kind)
}

// Mergeable reports whether two payloads of the same kind are provably
// non-overlapping. Only bookings and seat assignments with explicit,
// disjoint seat codes qualify; everything else is not provable and the
// merge policy falls back to rejection.
func Mergeable(a, b OperationPayload) bool {
	switch pa := a.(type) {
	case BookingPayload:
		pb, ok := b.(BookingPayload)
		if !ok {
			return false
		}
		return disjointSeatCodes(pa.SeatCodes, pb.SeatCodes)
	case SeatAssignmentPayload:
		pb, ok := b.(SeatAssignmentPayload)
		if !ok {
			return false
		}
		return disjointSeatCodes(pa.SeatCodes, pb.SeatCodes)
	}
	return false
}

func disjointSeatCodes(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, code := range a {
		seen[code] = struct{}{}
	}
	for _, code := range b {
		if _, taken := seen[code]; taken {
			return false
		}
	}
	return true
}

// Operation is one requested mutation against a named resource. The
// coordinator owns it for its whole lifecycle; transitions are the only
// mutations and terminal operations leave the active set.
type Operation struct {
	OperationID  string           `json:"operation_id"`
	Kind         OperationKind    `json:"kind"`
	ResourceID   string           `json:"resource_id"`
	RequesterID  string           `json:"requester_id"`
	Payload      OperationPayload `json:"-"`
	Priority     int              `json:"priority"`
	Status       OperationStatus  `json:"status"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	RetryCount   int              `json:"retry_count"`
	LockDeadline time.Time        `json:"lock_deadline,omitempty"`
	Result       interface{}      `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ResourceLock is an exclusive claim on a resource id. At most one live
// (non-expired) lock exists per resource; expiry is a hard deadline enforced
// by the sweep regardless of the holder's state.
type ResourceLock struct {
	ResourceID string        `json:"resource_id"`
	HolderID   string        `json:"holder_id"`
	Kind       OperationKind `json:"kind"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Expired reports whether the lock deadline has passed at the given instant.
func (l *ResourceLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
