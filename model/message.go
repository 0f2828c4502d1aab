package model

import (
	"encoding/json"
	"time"
)

// MessageType tags every envelope on both the client websocket protocol and
// the central-server link. Client-bound and central-bound types share one
// namespace; the gateway and the link each only accept their own subset.
type MessageType string

// Client -> station.
const (
	MsgAuthenticate      MessageType = "authenticate"
	MsgHeartbeat         MessageType = "heartbeat"
	MsgSubscribe         MessageType = "subscribe"
	MsgUnsubscribe       MessageType = "unsubscribe"
	MsgResourceOperation MessageType = "resource_operation"
	MsgSyncRequest       MessageType = "sync_request"
)

// Station -> client.
const (
	MsgConnected             MessageType = "connected"
	MsgAuthenticated         MessageType = "authenticated"
	MsgAuthError             MessageType = "auth_error"
	MsgHeartbeatAck          MessageType = "heartbeat_ack"
	MsgSubscriptionConfirmed MessageType = "subscription_confirmed"
	MsgDataUpdate            MessageType = "data_update"
	MsgOperationResponse     MessageType = "resource_operation_response"
	MsgBookingConflict       MessageType = "booking_conflict"
	MsgBookingSuccess        MessageType = "booking_success"
)

// Station <-> central server.
const (
	MsgInstantSync        MessageType = "instant_sync"
	MsgInstantSyncAck     MessageType = "instant_sync_ack"
	MsgVehicleSyncFull    MessageType = "vehicle_sync_full"
	MsgVehicleSyncUpdate  MessageType = "vehicle_sync_update"
	MsgVehicleSyncDelete  MessageType = "vehicle_sync_delete"
	MsgVehicleSyncAck     MessageType = "vehicle_sync_ack"
	MsgIPUpdate           MessageType = "ip_update"
	MsgIPUpdateAck        MessageType = "ip_update_ack"
	MsgStationAuth        MessageType = "station_auth"
	MsgStationAuthOK      MessageType = "station_auth_ok"
	MsgStationHeartbeat   MessageType = "station_heartbeat"
	MsgStationHeartbeatOK MessageType = "station_heartbeat_ok"
)

// Envelope is the uniform frame for every message. Payload stays raw until
// the receiver knows the type; MessageID correlates requests with acks on
// the central link.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id,omitempty"`
	Priority  int             `json:"priority,omitempty"`
}

// NewEnvelope stamps a frame with the current time.
func NewEnvelope(t MessageType, payload json.RawMessage) *Envelope {
	return &Envelope{Type: t, Payload: payload, Timestamp: time.Now()}
}

// MarshalEnvelope builds a stamped frame around any marshallable payload.
func MarshalEnvelope(t MessageType, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(t, raw), nil
}

// AuthenticatePayload opens a client session. Category picks the pool; the
// token is checked against the station secret.
type AuthenticatePayload struct {
	Token    string `json:"token"`
	Category string `json:"category"`
	ClientID string `json:"client_id,omitempty"`
}

type HeartbeatPayload struct {
	SentAt time.Time `json:"sent_at"`
}

type SubscribePayload struct {
	Subscription Subscription `json:"subscription"`
}

// ResourceOperationPayload wraps a client-submitted operation before it is
// decoded into its kind-specific payload.
type ResourceOperationPayload struct {
	OperationID string          `json:"operation_id,omitempty"`
	Kind        OperationKind   `json:"kind"`
	ResourceID  string          `json:"resource_id"`
	Priority    int             `json:"priority,omitempty"`
	Data        json.RawMessage `json:"data"`
}

type SyncRequestPayload struct {
	EntityTypes []EntityType `json:"entity_types,omitempty"`
	Since       int64        `json:"since,omitempty"`
}

// ConnectedPayload greets a freshly upgraded socket before authentication.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// AuthResultPayload answers an authenticate frame, on both the success and
// the failure path.
type AuthResultPayload struct {
	ConnectionID string         `json:"connection_id,omitempty"`
	Category     ClientCategory `json:"category,omitempty"`
	Error        string         `json:"error,omitempty"`
	Code         string         `json:"code,omitempty"`
}

// HeartbeatAckPayload returns the measured round trip and the quality tier
// it produced.
type HeartbeatAckPayload struct {
	LatencyMs int64       `json:"latency_ms"`
	Tier      QualityTier `json:"tier"`
	ServerAt  time.Time   `json:"server_at"`
}

// BookingConflictPayload tells the requesting client its booking lost to a
// competing operation.
type BookingConflictPayload struct {
	DestinationID string `json:"destination_id"`
	ConflictType  string `json:"conflict_type"`
	Message       string `json:"message"`
}

// DataUpdatePayload notifies subscribed clients of a changed entity.
type DataUpdatePayload struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     SyncAction      `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
}

// OperationResponsePayload reports the outcome of a submitted operation.
type OperationResponsePayload struct {
	OperationID string          `json:"operation_id"`
	Status      OperationStatus `json:"status"`
	Result      interface{}     `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
}

// StationAuthPayload identifies this station to the central server.
type StationAuthPayload struct {
	StationID string `json:"station_id"`
	Secret    string `json:"secret"`
	Address   string `json:"address,omitempty"`
}

// IPUpdatePayload advertises the station's current public address so other
// stations can reach it after a reconnect.
type IPUpdatePayload struct {
	StationID string `json:"station_id"`
	Address   string `json:"address"`
}

// AckPayload is the generic ack body for central-link request/response pairs.
type AckPayload struct {
	MessageID string `json:"message_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}
