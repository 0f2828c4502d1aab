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
package mocks

import (
	"context"

	"github.com/garehq/gare/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Destination methods

func (m *MockDataSource) CreateDestination(destination model.Destination) (model.Destination, error) {
	args := m.Called(destination)
	return args.Get(0).(model.Destination), args.Error(1)
}

func (m *MockDataSource) GetDestination(ctx context.Context, id string) (*model.Destination, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Destination), args.Error(1)
}

func (m *MockDataSource) GetAllDestinations(limit, offset int) ([]model.Destination, error) {
	args := m.Called(limit, offset)
	return args.Get(0).([]model.Destination), args.Error(1)
}

func (m *MockDataSource) UpdateDestination(ctx context.Context, destination *model.Destination) error {
	args := m.Called(ctx, destination)
	return args.Error(0)
}

func (m *MockDataSource) UpdateDestinationMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	args := m.Called(ctx, id, metadata)
	return args.Error(0)
}

func (m *MockDataSource) UpsertDestinationFromSync(ctx context.Context, destination *model.Destination) (bool, error) {
	args := m.Called(ctx, destination)
	return args.Bool(0), args.Error(1)
}

// Vehicle methods

func (m *MockDataSource) CreateVehicle(ctx context.Context, vehicle model.Vehicle) (model.Vehicle, error) {
	args := m.Called(ctx, vehicle)
	return args.Get(0).(model.Vehicle), args.Error(1)
}

func (m *MockDataSource) GetVehicle(ctx context.Context, id string) (*model.Vehicle, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Vehicle), args.Error(1)
}

func (m *MockDataSource) GetAllVehicles(ctx context.Context, limit, offset int) ([]model.Vehicle, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.Vehicle), args.Error(1)
}

func (m *MockDataSource) GetBoardableVehicles(ctx context.Context, destinationID string) ([]*model.Vehicle, error) {
	args := m.Called(ctx, destinationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Vehicle), args.Error(1)
}

func (m *MockDataSource) UpdateVehicleStatus(ctx context.Context, id string, status model.VehicleStatus, version int64) error {
	args := m.Called(ctx, id, status, version)
	return args.Error(0)
}

func (m *MockDataSource) ReserveSeats(ctx context.Context, vehicleID string, seats int) (*model.Vehicle, error) {
	args := m.Called(ctx, vehicleID, seats)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Vehicle), args.Error(1)
}

func (m *MockDataSource) ReleaseSeats(ctx context.Context, vehicleID string, seats int) error {
	args := m.Called(ctx, vehicleID, seats)
	return args.Error(0)
}

func (m *MockDataSource) UpdateQueuePositions(ctx context.Context, destinationID string, positions map[string]int) error {
	args := m.Called(ctx, destinationID, positions)
	return args.Error(0)
}

func (m *MockDataSource) UpsertVehicleFromSync(ctx context.Context, vehicle *model.Vehicle) (bool, error) {
	args := m.Called(ctx, vehicle)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) DeleteVehicle(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Booking methods

func (m *MockDataSource) RecordBooking(ctx context.Context, booking *model.Booking) (*model.Booking, error) {
	args := m.Called(ctx, booking)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *MockDataSource) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *MockDataSource) GetAllBookings(ctx context.Context, limit, offset int) ([]model.Booking, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.Booking), args.Error(1)
}

func (m *MockDataSource) UpdateBookingStatus(ctx context.Context, id string, status model.BookingStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockDataSource) CancelBooking(ctx context.Context, id string) (*model.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *MockDataSource) UpdateBookingMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	args := m.Called(ctx, id, metadata)
	return args.Error(0)
}

// Payment methods

func (m *MockDataSource) RecordPayment(ctx context.Context, payment *model.Payment) (*model.Payment, error) {
	args := m.Called(ctx, payment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

func (m *MockDataSource) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

func (m *MockDataSource) GetPaymentsByBooking(ctx context.Context, bookingID string) ([]model.Payment, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).([]model.Payment), args.Error(1)
}

// Seat assignment methods

func (m *MockDataSource) AssignSeats(ctx context.Context, assignments []model.SeatAssignment) error {
	args := m.Called(ctx, assignments)
	return args.Error(0)
}

func (m *MockDataSource) GetSeatAssignments(ctx context.Context, vehicleID string) ([]model.SeatAssignment, error) {
	args := m.Called(ctx, vehicleID)
	return args.Get(0).([]model.SeatAssignment), args.Error(1)
}

func (m *MockDataSource) ReleaseSeatAssignments(ctx context.Context, bookingID string) error {
	args := m.Called(ctx, bookingID)
	return args.Error(0)
}

// Sync journal methods

func (m *MockDataSource) RecordSyncOperation(ctx context.Context, op *model.SyncOperation) error {
	args := m.Called(ctx, op)
	return args.Error(0)
}

func (m *MockDataSource) UpdateSyncOperationStatus(ctx context.Context, syncID string, status model.SyncStatus) error {
	args := m.Called(ctx, syncID, status)
	return args.Error(0)
}

func (m *MockDataSource) GetPendingSyncOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.SyncOperation), args.Error(1)
}

func (m *MockDataSource) GetSyncOperation(ctx context.Context, syncID string) (*model.SyncOperation, error) {
	args := m.Called(ctx, syncID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncOperation), args.Error(1)
}
