package gare

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/database/mocks"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

// newTestGare wires a Gare instance against a mocked datasource and an
// in-process redis so the queue, snapshot store and coordinator are real.
func newTestGare() (*Gare, *mocks.MockDataSource, *miniredis.Miniredis, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, nil, err
	}
	conf := &config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Coordinator: config.CoordinatorConfig{
			LockTTLSec:        5,
			SweepIntervalSec:  10,
			MaxInFlight:       10,
			MaxPending:        100,
			MaxRetries:        2,
			PriorityThreshold: 8,
		},
		Snapshot: config.SnapshotConfig{TTLSec: 3600, SweepIntervalSec: 300},
		Realtime: config.RealtimeConfig{QueueDepth: 64},
		Queue: config.QueueConfig{
			SyncQueue:         "new:sync",
			WebhookQueue:      "new:webhook",
			DepartureQueue:    "new:departure",
			DepartureGraceSec: 120,
			NumberOfQueues:    2,
		},
	}
	config.MockConfig(conf)
	datasource := new(mocks.MockDataSource)
	g, err := NewGare(datasource)
	if err != nil {
		return nil, nil, nil, err
	}
	return g, datasource, mr, nil
}

// expectSyncJournal mirrors the datasource contract of filling in the sync id
// on insert, so journaled changes can be enqueued under a stable task id.
func expectSyncJournal(datasource *mocks.MockDataSource) {
	datasource.On("RecordSyncOperation", mock.Anything, mock.AnythingOfType("*model.SyncOperation")).
		Run(func(args mock.Arguments) {
			op := args.Get(1).(*model.SyncOperation)
			if op.SyncID == "" {
				op.SyncID = model.GenerateUUIDWithSuffix("sync")
			}
		}).Return(nil)
}

func TestApplyBookingSpreadsSeatsAcrossQueue(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	destination := &model.Destination{
		DestinationID: "dst_1",
		Name:          "Korhogo",
		Fare:          decimal.NewFromInt(500),
		Currency:      "XOF",
		Active:        true,
		Version:       1,
	}
	queue := []*model.Vehicle{
		{VehicleID: "veh_A", DestinationID: "dst_1", Capacity: 14, AvailableSeats: 2, QueuePosition: 1, Status: model.VehicleLoading, Version: 1},
		{VehicleID: "veh_B", DestinationID: "dst_1", Capacity: 14, AvailableSeats: 5, QueuePosition: 2, Status: model.VehicleLoading, Version: 1},
	}
	recorded := &model.Booking{
		BookingID:     "bkg_fixture",
		DestinationID: "dst_1",
		Requester:     "conn_1",
		Seats:         4,
		Segments: []model.SeatSegment{
			{VehicleID: "veh_A", Seats: 2},
			{VehicleID: "veh_B", Seats: 2},
		},
		TotalFare: decimal.NewFromInt(2000),
		Currency:  "XOF",
		Status:    model.BookingPending,
		CreatedAt: time.Now(),
	}

	datasource.On("GetDestination", mock.Anything, "dst_1").Return(destination, nil)
	datasource.On("GetBoardableVehicles", mock.Anything, "dst_1").Return(queue, nil)
	datasource.On("RecordBooking", mock.Anything, mock.MatchedBy(func(b *model.Booking) bool {
		return b.DestinationID == "dst_1" && b.Seats == 4 && b.Status == model.BookingPending &&
			len(b.Segments) == 2 &&
			b.Segments[0] == model.SeatSegment{VehicleID: "veh_A", Seats: 2} &&
			b.Segments[1] == model.SeatSegment{VehicleID: "veh_B", Seats: 2} &&
			b.TotalFare.Equal(decimal.NewFromInt(2000))
	})).Return(recorded, nil)
	datasource.On("GetVehicle", mock.Anything, "veh_A").
		Return(&model.Vehicle{VehicleID: "veh_A", DestinationID: "dst_1", Capacity: 14, AvailableSeats: 0, Status: model.VehicleFull, Version: 2}, nil)
	datasource.On("GetVehicle", mock.Anything, "veh_B").
		Return(&model.Vehicle{VehicleID: "veh_B", DestinationID: "dst_1", Capacity: 14, AvailableSeats: 3, Status: model.VehicleLoading, Version: 2}, nil)
	expectSyncJournal(datasource)

	op := &model.Operation{OperationID: "op_1", Kind: model.OpBooking, ResourceID: "dst_1", RequesterID: "conn_1"}
	result, err := g.applyBooking(ctx, op, model.BookingPayload{DestinationID: "dst_1", Seats: 4})
	assert.NoError(t, err)

	booking, ok := result.(*model.Booking)
	assert.True(t, ok)
	assert.Equal(t, "bkg_fixture", booking.BookingID)
	assert.Equal(t, model.BookingPending, booking.Status)

	snap, err := g.Snapshots().Get(ctx, model.EntityBooking, "bkg_fixture")
	assert.NoError(t, err)
	assert.Equal(t, model.EntityBooking, snap.EntityType)

	vehicleSnap, err := g.Snapshots().Get(ctx, model.EntityVehicle, "veh_A")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), vehicleSnap.Version)

	datasource.AssertExpectations(t)
}

func TestApplyBookingInsufficientSeats(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	destination := &model.Destination{
		DestinationID: "dst_1",
		Fare:          decimal.NewFromInt(500),
		Currency:      "XOF",
		Active:        true,
	}
	queue := []*model.Vehicle{
		{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 1, Status: model.VehicleLoading},
	}
	datasource.On("GetDestination", mock.Anything, "dst_1").Return(destination, nil)
	datasource.On("GetBoardableVehicles", mock.Anything, "dst_1").Return(queue, nil)

	op := &model.Operation{OperationID: "op_1", Kind: model.OpBooking, ResourceID: "dst_1", RequesterID: "conn_1"}
	_, err = g.applyBooking(ctx, op, model.BookingPayload{DestinationID: "dst_1", Seats: 3})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrConflict, apierror.Code(err))

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ReasonInsufficientSeats, apiErr.Details)

	datasource.AssertNotCalled(t, "RecordBooking", mock.Anything, mock.Anything)
	datasource.AssertExpectations(t)
}

func TestApplyBookingInactiveDestination(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	destination := &model.Destination{
		DestinationID: "dst_1",
		Fare:          decimal.NewFromInt(500),
		Currency:      "XOF",
		Active:        false,
	}
	datasource.On("GetDestination", mock.Anything, "dst_1").Return(destination, nil)

	op := &model.Operation{OperationID: "op_1", Kind: model.OpBooking, ResourceID: "dst_1", RequesterID: "conn_1"}
	_, err = g.applyBooking(ctx, op, model.BookingPayload{DestinationID: "dst_1", Seats: 1})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrBadRequest, apierror.Code(err))
	assert.Contains(t, err.Error(), "is not active")

	datasource.AssertNotCalled(t, "GetBoardableVehicles", mock.Anything, mock.Anything)
	datasource.AssertExpectations(t)
}

func TestApplyBookingSeatCodeMismatch(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	destination := &model.Destination{
		DestinationID: "dst_1",
		Fare:          decimal.NewFromInt(500),
		Currency:      "XOF",
		Active:        true,
	}
	queue := []*model.Vehicle{
		{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 4, Status: model.VehicleLoading},
	}
	recorded := &model.Booking{
		BookingID:     "bkg_mismatch",
		DestinationID: "dst_1",
		Seats:         2,
		Segments:      []model.SeatSegment{{VehicleID: "veh_A", Seats: 2}},
		Status:        model.BookingPending,
	}
	datasource.On("GetDestination", mock.Anything, "dst_1").Return(destination, nil)
	datasource.On("GetBoardableVehicles", mock.Anything, "dst_1").Return(queue, nil)
	datasource.On("RecordBooking", mock.Anything, mock.AnythingOfType("*model.Booking")).Return(recorded, nil)
	datasource.On("CancelBooking", mock.Anything, "bkg_mismatch").Return(recorded, nil)

	op := &model.Operation{OperationID: "op_1", Kind: model.OpBooking, ResourceID: "dst_1", RequesterID: "conn_1"}
	_, err = g.applyBooking(ctx, op, model.BookingPayload{
		DestinationID: "dst_1",
		Seats:         2,
		SeatCodes:     []string{"1A"},
	})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.Code(err))

	// The reserved seats must be returned when the seat codes are rejected.
	datasource.AssertCalled(t, "CancelBooking", mock.Anything, "bkg_mismatch")
	datasource.AssertNotCalled(t, "AssignSeats", mock.Anything, mock.Anything)
	datasource.AssertExpectations(t)
}

func TestApplyBookingSeatCodesAssigned(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	destination := &model.Destination{
		DestinationID: "dst_1",
		Fare:          decimal.NewFromInt(750),
		Currency:      "XOF",
		Active:        true,
	}
	queue := []*model.Vehicle{
		{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 2, QueuePosition: 1, Status: model.VehicleLoading, Version: 1},
		{VehicleID: "veh_B", DestinationID: "dst_1", AvailableSeats: 4, QueuePosition: 2, Status: model.VehicleLoading, Version: 1},
	}
	recorded := &model.Booking{
		BookingID:     "bkg_codes",
		DestinationID: "dst_1",
		Seats:         3,
		Segments: []model.SeatSegment{
			{VehicleID: "veh_A", Seats: 2},
			{VehicleID: "veh_B", Seats: 1},
		},
		Status: model.BookingPending,
	}
	datasource.On("GetDestination", mock.Anything, "dst_1").Return(destination, nil)
	datasource.On("GetBoardableVehicles", mock.Anything, "dst_1").Return(queue, nil)
	datasource.On("RecordBooking", mock.Anything, mock.AnythingOfType("*model.Booking")).Return(recorded, nil)

	var captured []model.SeatAssignment
	datasource.On("AssignSeats", mock.Anything, mock.AnythingOfType("[]model.SeatAssignment")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).([]model.SeatAssignment)
		}).Return(nil)
	datasource.On("GetVehicle", mock.Anything, "veh_A").
		Return(&model.Vehicle{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 0, Status: model.VehicleFull, Version: 2}, nil)
	datasource.On("GetVehicle", mock.Anything, "veh_B").
		Return(&model.Vehicle{VehicleID: "veh_B", DestinationID: "dst_1", AvailableSeats: 3, Status: model.VehicleLoading, Version: 2}, nil)
	expectSyncJournal(datasource)

	op := &model.Operation{OperationID: "op_1", Kind: model.OpBooking, ResourceID: "dst_1", RequesterID: "conn_1"}
	_, err = g.applyBooking(ctx, op, model.BookingPayload{
		DestinationID: "dst_1",
		Seats:         3,
		SeatCodes:     []string{"1A", "1B", "2A"},
		Passenger:     "Awa",
	})
	assert.NoError(t, err)

	// Codes land on the vehicles that supplied the seats, in queue order.
	assert.Len(t, captured, 3)
	assert.Equal(t, "veh_A", captured[0].VehicleID)
	assert.Equal(t, "1A", captured[0].SeatCode)
	assert.Equal(t, "veh_A", captured[1].VehicleID)
	assert.Equal(t, "1B", captured[1].SeatCode)
	assert.Equal(t, "veh_B", captured[2].VehicleID)
	assert.Equal(t, "2A", captured[2].SeatCode)
	for _, assignment := range captured {
		assert.Equal(t, "bkg_codes", assignment.BookingID)
		assert.Equal(t, "Awa", assignment.Passenger)
	}
	datasource.AssertExpectations(t)
}

func TestApplyPaymentConfirmsBooking(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	confirmed := &model.Booking{
		BookingID:     "bkg_paid",
		DestinationID: "dst_1",
		Seats:         2,
		Segments:      []model.SeatSegment{{VehicleID: "veh_A", Seats: 2}},
		TotalFare:     decimal.NewFromInt(1000),
		Currency:      "XOF",
		Status:        model.BookingConfirmed,
	}
	captured := &model.Payment{
		PaymentID: "pay_1",
		BookingID: "bkg_paid",
		Amount:    decimal.NewFromInt(1000),
		Currency:  "XOF",
		Method:    model.PaymentCash,
		Status:    model.PaymentCaptured,
	}
	datasource.On("RecordPayment", mock.Anything, mock.MatchedBy(func(p *model.Payment) bool {
		return p.BookingID == "bkg_paid" && p.Status == model.PaymentCaptured && p.Amount.Equal(decimal.NewFromInt(1000))
	})).Return(captured, nil)
	datasource.On("GetBooking", mock.Anything, "bkg_paid").Return(confirmed, nil)
	expectSyncJournal(datasource)

	events, cancel := g.Events().Subscribe()
	defer cancel()

	op := &model.Operation{OperationID: "op_1", Kind: model.OpPayment, ResourceID: "bkg_paid", RequesterID: "conn_1"}
	result, err := g.applyPayment(ctx, op, model.PaymentPayload{
		BookingID: "bkg_paid",
		Amount:    decimal.NewFromInt(1000),
		Method:    model.PaymentCash,
	})
	assert.NoError(t, err)

	payment, ok := result.(*model.Payment)
	assert.True(t, ok)
	assert.Equal(t, "pay_1", payment.PaymentID)

	deadline := time.After(2 * time.Second)
	var got *BookingConfirmed
	for got == nil {
		select {
		case event := <-events:
			if confirmedEvent, ok := event.(BookingConfirmed); ok {
				got = &confirmedEvent
			}
		case <-deadline:
			t.Fatal("timed out waiting for the booking confirmation event")
		}
	}
	assert.Equal(t, "bkg_paid", got.Booking.BookingID)
	assert.Equal(t, model.BookingConfirmed, got.Booking.Status)

	datasource.AssertExpectations(t)
}

func TestApplyPaymentValidation(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	op := &model.Operation{OperationID: "op_1", Kind: model.OpPayment, ResourceID: "bkg_1", RequesterID: "conn_1"}

	_, err = g.applyPayment(ctx, op, model.PaymentPayload{Amount: decimal.NewFromInt(500)})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.Code(err))

	_, err = g.applyPayment(ctx, op, model.PaymentPayload{BookingID: "bkg_1"})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.Code(err))

	datasource.AssertNotCalled(t, "RecordPayment", mock.Anything, mock.Anything)
}

func TestCancelBookingRestoresSeats(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	cancelled := &model.Booking{
		BookingID:     "bkg_9",
		DestinationID: "dst_1",
		Seats:         2,
		Segments:      []model.SeatSegment{{VehicleID: "veh_A", Seats: 2}},
		Status:        model.BookingCancelled,
	}
	datasource.On("CancelBooking", mock.Anything, "bkg_9").Return(cancelled, nil)
	datasource.On("GetVehicle", mock.Anything, "veh_A").
		Return(&model.Vehicle{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 2, Status: model.VehicleLoading, Version: 3}, nil)
	expectSyncJournal(datasource)

	booking, err := g.CancelBooking(ctx, "bkg_9")
	assert.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, booking.Status)

	// The reopened vehicle is rebroadcast with its restored seats.
	snap, err := g.Snapshots().Get(ctx, model.EntityVehicle, "veh_A")
	assert.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)

	datasource.AssertExpectations(t)
}
