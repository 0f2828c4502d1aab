package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type VehicleStatus string

const (
	VehicleLoading     VehicleStatus = "loading"
	VehicleFull        VehicleStatus = "full"
	VehicleDeparted    VehicleStatus = "departed"
	VehicleMaintenance VehicleStatus = "maintenance"
	VehicleInactive    VehicleStatus = "inactive"
)

// Boardable reports whether seats on the vehicle can still be sold.
func (s VehicleStatus) Boardable() bool {
	return s == VehicleLoading
}

// Destination is a route served from this station. Fare and currency are
// owned by the central server; the node holds a synchronized copy.
type Destination struct {
	ID            int64                  `json:"-"`
	DestinationID string                 `json:"destination_id"`
	Name          string                 `json:"name"`
	RouteCode     string                 `json:"route_code"`
	Fare          decimal.Decimal        `json:"fare"`
	Currency      string                 `json:"currency"`
	Active        bool                   `json:"active"`
	Version       int64                  `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

// Vehicle is one car in a destination's loading queue. AvailableSeats is the
// authoritative local count; it only changes through conditional updates in
// the store so concurrent bookings can never drive it below zero.
type Vehicle struct {
	ID             int64                  `json:"-"`
	VehicleID      string                 `json:"vehicle_id"`
	DestinationID  string                 `json:"destination_id"`
	PlateNumber    string                 `json:"plate_number"`
	DriverName     string                 `json:"driver_name"`
	Capacity       int                    `json:"capacity"`
	AvailableSeats int                    `json:"available_seats"`
	QueuePosition  int                    `json:"queue_position"`
	Status         VehicleStatus          `json:"status"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

// SeatSegment is the share of a booking taken from a single vehicle.
type SeatSegment struct {
	VehicleID string `json:"vehicle_id"`
	Seats     int    `json:"seats"`
}

// SeatAssignment pins a named seat code on a vehicle to a passenger. The
// store enforces one assignment per (vehicle, seat code) pair, which is what
// makes racing assignments first-wins.
type SeatAssignment struct {
	ID           int64     `json:"-"`
	AssignmentID string    `json:"assignment_id"`
	VehicleID    string    `json:"vehicle_id"`
	SeatCode     string    `json:"seat_code"`
	Passenger    string    `json:"passenger,omitempty"`
	BookingID    string    `json:"booking_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// Booking records seats sold for a destination, possibly spread across
// several vehicles in queue order.
type Booking struct {
	ID            int64                  `json:"-"`
	BookingID     string                 `json:"booking_id"`
	DestinationID string                 `json:"destination_id"`
	Requester     string                 `json:"requester"`
	Seats         int                    `json:"seats"`
	Segments      []SeatSegment          `json:"segments"`
	TotalFare     decimal.Decimal        `json:"total_fare"`
	Currency      string                 `json:"currency"`
	Status        BookingStatus          `json:"status"`
	PaymentRef    string                 `json:"payment_ref,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

// ApplyFare computes the booking total from the destination's per-seat fare.
func (b *Booking) ApplyFare(fare decimal.Decimal, currency string) {
	b.TotalFare = fare.Mul(decimal.NewFromInt(int64(b.Seats)))
	b.Currency = currency
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentVoided   PaymentStatus = "voided"
)

type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentMobileMoney PaymentMethod = "mobile_money"
	PaymentCard        PaymentMethod = "card"
)

type Payment struct {
	ID        int64           `json:"-"`
	PaymentID string          `json:"payment_id"`
	BookingID string          `json:"booking_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    PaymentMethod   `json:"method"`
	Status    PaymentStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
