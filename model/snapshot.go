package model

import (
	"encoding/json"
	"time"
)

// EntityType names a class of synchronized entities. Every snapshot, sync
// message and subscription filter refers to one of these.
type EntityType string

const (
	EntityDestination EntityType = "destination"
	EntityVehicle     EntityType = "vehicle"
	EntityBooking     EntityType = "booking"
	EntityPayment     EntityType = "payment"
	EntityStation     EntityType = "station"
)

// KnownEntityType reports whether t is part of the synchronized set.
func KnownEntityType(t EntityType) bool {
	switch t {
	case EntityDestination, EntityVehicle, EntityBooking, EntityPayment, EntityStation:
		return true
	}
	return false
}

// EntitySnapshot is one versioned entity held by the snapshot store. Version
// is the authority when the source supplies one; Checksum breaks ties when
// both sides report version zero.
type EntitySnapshot struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	Checksum   string          `json:"checksum"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Supersedes reports whether the incoming snapshot should replace the held
// one. Versions are authoritative whenever either side has one; the checksum
// comparison only decides when both report zero.
func (s *EntitySnapshot) Supersedes(held *EntitySnapshot) bool {
	if held == nil {
		return true
	}
	if s.Version > 0 || held.Version > 0 {
		return s.Version > held.Version
	}
	return s.Checksum != held.Checksum
}

// SyncAction classifies a synchronization message from the central server.
type SyncAction string

const (
	SyncCreate SyncAction = "create"
	SyncUpdate SyncAction = "update"
	SyncDelete SyncAction = "delete"
	SyncFull   SyncAction = "full"
)

type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncApplied   SyncStatus = "applied"
	SyncDiscarded SyncStatus = "discarded"
)

// SyncOperation is one inbound or outbound synchronization record. Outbound
// records are journaled before enqueueing so a crash between the local write
// and the queue write cannot lose them.
type SyncOperation struct {
	SyncID     string          `json:"sync_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     SyncAction      `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
	Checksum   string          `json:"checksum,omitempty"`
	Status     SyncStatus      `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}
