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

package gare

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/internal/notification"
	"github.com/garehq/gare/model"
)

// applyBooking executes a booking operation end to end: resolve the
// destination, plan the allocation across the loading queue, persist the
// all-or-nothing seat reservation, then pin any explicitly requested seat
// codes. The conditional decrements inside RecordBooking are the final
// arbiter; a plan that raced another booking fails there with a conflict.
func (l *Gare) applyBooking(ctx context.Context, op *model.Operation, payload model.BookingPayload) (interface{}, error) {
	cxt, span := tracer.Start(ctx, "Recording booking")
	defer span.End()

	if payload.Seats <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Booking must request at least one seat", nil)
	}

	destination, err := l.datasource.GetDestination(cxt, payload.DestinationID)
	if err != nil {
		return nil, err
	}
	if !destination.Active {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("Destination '%s' is not active", destination.DestinationID), nil)
	}

	vehicles, err := l.datasource.GetBoardableVehicles(cxt, destination.DestinationID)
	if err != nil {
		return nil, logAndRecordError(span, "failed to load boardable vehicles", err)
	}

	segments := AllocateSeats(vehicles, payload.Seats)
	if segments == nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Not enough seats for destination '%s', requested %d", destination.DestinationID, payload.Seats),
			apierror.ReasonInsufficientSeats)
	}
	span.AddEvent("Seats allocated")

	booking := &model.Booking{
		DestinationID: destination.DestinationID,
		Requester:     op.RequesterID,
		Seats:         payload.Seats,
		Segments:      segments,
		Status:        model.BookingPending,
	}
	booking.ApplyFare(destination.Fare, destination.Currency)

	booking, err = l.datasource.RecordBooking(cxt, booking)
	if err != nil {
		return nil, err
	}

	if len(payload.SeatCodes) > 0 {
		if err := l.assignBookingSeatCodes(cxt, booking, payload); err != nil {
			// The seats were already reserved; cancelling returns them before
			// the conflict is reported.
			if _, cancelErr := l.datasource.CancelBooking(cxt, booking.BookingID); cancelErr != nil {
				logrus.Errorf("failed to cancel booking %s after seat code failure: %v", booking.BookingID, cancelErr)
			}
			return nil, err
		}
	}

	l.postBookingActions(ctx, booking)

	return booking, nil
}

// assignBookingSeatCodes pins the requested seat codes, walking the booking
// segments in queue order so codes land on the vehicles that supplied the
// seats.
func (l *Gare) assignBookingSeatCodes(ctx context.Context, booking *model.Booking, payload model.BookingPayload) error {
	if len(payload.SeatCodes) != booking.Seats {
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Expected %d seat codes, got %d", booking.Seats, len(payload.SeatCodes)), nil)
	}
	assignments := make([]model.SeatAssignment, 0, len(payload.SeatCodes))
	next := 0
	for _, segment := range booking.Segments {
		for i := 0; i < segment.Seats; i++ {
			assignments = append(assignments, model.SeatAssignment{
				VehicleID: segment.VehicleID,
				SeatCode:  payload.SeatCodes[next],
				Passenger: payload.Passenger,
				BookingID: booking.BookingID,
			})
			next++
		}
	}
	return l.datasource.AssignSeats(ctx, assignments)
}

// applyPayment captures a payment against a pending booking. The store only
// confirms bookings still awaiting payment, which is what makes racing
// payments first-wins.
func (l *Gare) applyPayment(ctx context.Context, op *model.Operation, payload model.PaymentPayload) (interface{}, error) {
	cxt, span := tracer.Start(ctx, "Recording payment")
	defer span.End()

	if payload.BookingID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Payment requires a booking id", nil)
	}
	if payload.Amount.IsNegative() || payload.Amount.IsZero() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Payment amount must be positive", nil)
	}

	payment := &model.Payment{
		BookingID: payload.BookingID,
		Amount:    payload.Amount,
		Method:    payload.Method,
		Status:    model.PaymentCaptured,
	}
	payment, err := l.datasource.RecordPayment(cxt, payment)
	if err != nil {
		return nil, err
	}
	span.AddEvent("Payment captured")

	booking, err := l.datasource.GetBooking(cxt, payload.BookingID)
	if err != nil {
		logrus.Errorf("failed to reload booking %s after payment: %v", payload.BookingID, err)
		return payment, nil
	}
	l.recordBookingSnapshot(ctx, booking, model.SyncUpdate)
	l.events.Publish(BookingConfirmed{Booking: *booking})
	go func() {
		err := SendWebhook(NewWebhook{
			Event:   getEventFromStatus(booking.Status),
			Payload: booking,
		})
		if err != nil {
			notification.NotifyError(err)
		}
	}()

	return payment, nil
}

// postBookingActions refreshes the touched vehicles, journals the booking
// for upstream sync and notifies the station webhook.
func (l *Gare) postBookingActions(_ context.Context, booking *model.Booking) {
	ctx := context.Background()
	l.refreshVehicleState(ctx, booking.Segments)
	l.recordBookingSnapshot(ctx, booking, model.SyncCreate)
	go func() {
		err := SendWebhook(NewWebhook{
			Event:   getEventFromStatus(booking.Status),
			Payload: booking,
		})
		if err != nil {
			notification.NotifyError(err)
		}
	}()
}

// recordBookingSnapshot stores the booking snapshot and journals the change
// for the central server. Bookings carry no store version, so snapshot
// staleness falls back to the payload checksum.
func (l *Gare) recordBookingSnapshot(ctx context.Context, booking *model.Booking, action model.SyncAction) {
	payload, err := json.Marshal(booking)
	if err != nil {
		logrus.Errorf("failed to marshal booking %s: %v", booking.BookingID, err)
		return
	}
	if _, err := l.snapshots.Apply(ctx, &model.EntitySnapshot{
		EntityType: model.EntityBooking,
		EntityID:   booking.BookingID,
		Payload:    payload,
	}); err != nil {
		logrus.Errorf("failed to snapshot booking %s: %v", booking.BookingID, err)
	}
	if err := l.JournalSync(ctx, model.EntityBooking, booking.BookingID, action, payload, 0); err != nil {
		logrus.Errorf("failed to journal booking %s: %v", booking.BookingID, err)
	}
}

// CancelBooking cancels a booking, returns its seats to the vehicles that
// supplied them and releases any pinned seat codes. Vehicles that reopen for
// boarding have their scheduled departures cancelled.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - bookingID string: The booking to cancel.
//
// Returns:
// - *model.Booking: The cancelled booking.
// - error: An error if the booking is unknown or already cancelled.
func (l *Gare) CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	cxt, span := tracer.Start(ctx, "Cancelling booking")
	defer span.End()

	booking, err := l.datasource.CancelBooking(cxt, bookingID)
	if err != nil {
		return nil, err
	}
	span.AddEvent("Booking cancelled")

	l.refreshVehicleState(ctx, booking.Segments)
	l.recordBookingSnapshot(ctx, booking, model.SyncUpdate)
	go func() {
		err := SendWebhook(NewWebhook{
			Event:   getEventFromStatus(booking.Status),
			Payload: booking,
		})
		if err != nil {
			notification.NotifyError(err)
		}
	}()

	return booking, nil
}

// GetBooking retrieves a booking with its segments.
func (l Gare) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	return l.datasource.GetBooking(ctx, bookingID)
}

// GetAllBookings retrieves a page of bookings ordered newest first.
func (l Gare) GetAllBookings(ctx context.Context, limit, offset int) ([]model.Booking, error) {
	return l.datasource.GetAllBookings(ctx, limit, offset)
}

// GetPayment retrieves a payment by ID.
func (l Gare) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	return l.datasource.GetPayment(ctx, paymentID)
}

// GetPaymentsByBooking retrieves all payments captured against a booking.
func (l Gare) GetPaymentsByBooking(ctx context.Context, bookingID string) ([]model.Payment, error) {
	return l.datasource.GetPaymentsByBooking(ctx, bookingID)
}
