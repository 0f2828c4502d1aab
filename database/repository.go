/*
Copyright 2025 Gare Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"

	"github.com/garehq/gare/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	destination    // Interface for destination-related operations
	vehicle        // Interface for vehicle-related operations
	booking        // Interface for booking-related operations
	payment        // Interface for payment-related operations
	seatAssignment // Interface for named seat assignments
	syncJournal    // Interface for the outbound sync journal
}

// destination defines methods for handling destinations.
type destination interface {
	CreateDestination(destination model.Destination) (model.Destination, error)                      // Creates a new destination
	GetDestination(ctx context.Context, id string) (*model.Destination, error)                       // Retrieves a destination by ID
	GetAllDestinations(limit, offset int) ([]model.Destination, error)                               // Retrieves all destinations
	UpdateDestination(ctx context.Context, destination *model.Destination) error                     // Updates a destination with a version check
	UpdateDestinationMetadata(ctx context.Context, id string, metadata map[string]interface{}) error // Updates destination metadata
	UpsertDestinationFromSync(ctx context.Context, destination *model.Destination) (bool, error)     // Applies a synced destination if its version is newer
}

// vehicle defines methods for handling vehicles and their seat inventory.
type vehicle interface {
	CreateVehicle(ctx context.Context, vehicle model.Vehicle) (model.Vehicle, error)                     // Creates a new vehicle
	GetVehicle(ctx context.Context, id string) (*model.Vehicle, error)                                   // Retrieves a vehicle by ID
	GetAllVehicles(ctx context.Context, limit, offset int) ([]model.Vehicle, error)                      // Retrieves all vehicles
	GetBoardableVehicles(ctx context.Context, destinationID string) ([]*model.Vehicle, error)            // Retrieves loading vehicles in queue order
	UpdateVehicleStatus(ctx context.Context, id string, status model.VehicleStatus, version int64) error // Updates vehicle status with a version check
	ReserveSeats(ctx context.Context, vehicleID string, seats int) (*model.Vehicle, error)               // Conditionally takes seats from a vehicle
	ReleaseSeats(ctx context.Context, vehicleID string, seats int) error                                 // Returns seats to a vehicle
	UpdateQueuePositions(ctx context.Context, destinationID string, positions map[string]int) error      // Rewrites queue ranks for a destination
	UpsertVehicleFromSync(ctx context.Context, vehicle *model.Vehicle) (bool, error)                     // Applies a synced vehicle if its version is newer
	DeleteVehicle(ctx context.Context, id string) error                                                  // Removes a vehicle
}

// booking defines methods for handling bookings.
type booking interface {
	RecordBooking(ctx context.Context, booking *model.Booking) (*model.Booking, error)           // Atomically reserves seats and records the booking
	GetBooking(ctx context.Context, id string) (*model.Booking, error)                           // Retrieves a booking with its segments
	GetAllBookings(ctx context.Context, limit, offset int) ([]model.Booking, error)              // Retrieves all bookings
	UpdateBookingStatus(ctx context.Context, id string, status model.BookingStatus) error        // Updates the status of a booking
	CancelBooking(ctx context.Context, id string) (*model.Booking, error)                        // Cancels a booking and returns its seats
	UpdateBookingMetadata(ctx context.Context, id string, metadata map[string]interface{}) error // Updates booking metadata
}

// payment defines methods for handling payments.
type payment interface {
	RecordPayment(ctx context.Context, payment *model.Payment) (*model.Payment, error)   // Records a payment and confirms its booking
	GetPayment(ctx context.Context, id string) (*model.Payment, error)                   // Retrieves a payment by ID
	GetPaymentsByBooking(ctx context.Context, bookingID string) ([]model.Payment, error) // Retrieves payments for a booking
}

// seatAssignment defines methods for named seat codes.
type seatAssignment interface {
	AssignSeats(ctx context.Context, assignments []model.SeatAssignment) error                // Claims seat codes, failing if any is taken
	GetSeatAssignments(ctx context.Context, vehicleID string) ([]model.SeatAssignment, error) // Retrieves assignments for a vehicle
	ReleaseSeatAssignments(ctx context.Context, bookingID string) error                       // Frees all seat codes held by a booking
}

// syncJournal defines methods for the outbound synchronization journal.
type syncJournal interface {
	RecordSyncOperation(ctx context.Context, op *model.SyncOperation) error                      // Journals an outbound change
	UpdateSyncOperationStatus(ctx context.Context, syncID string, status model.SyncStatus) error // Updates a journal entry's status
	GetPendingSyncOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error)     // Retrieves unapplied journal entries, oldest first
	GetSyncOperation(ctx context.Context, syncID string) (*model.SyncOperation, error)           // Retrieves a journal entry by ID
}
