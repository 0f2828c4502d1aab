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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

// RecordBooking reserves every segment of a booking and writes the booking in
// one transaction. Each segment is a conditional seat decrement on its
// vehicle; if any vehicle cannot cover its share the whole transaction rolls
// back and no seats move anywhere. This is what makes multi-vehicle bookings
// all-or-nothing under concurrency.
//
// Parameters:
// - ctx: The context to manage the lifecycle of the transaction.
// - booking: The booking to record. Segments must already be allocated.
//
// Returns:
// - *model.Booking: The recorded booking with its ID and timestamp populated.
// - error: A CONFLICT APIError carrying ReasonInsufficientSeats when a segment fails, or other APIErrors on failure.
func (d Datasource) RecordBooking(ctx context.Context, booking *model.Booking) (*model.Booking, error) {
	if len(booking.Segments) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Booking has no seat segments", nil)
	}

	metaDataJSON, err := json.Marshal(booking.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	booking.BookingID = model.GenerateUUIDWithSuffix("bkg")
	booking.CreatedAt = time.Now()
	if booking.Status == "" {
		booking.Status = model.BookingPending
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	// Take the seats for every segment first. Segments arrive in the
	// allocator's queue order, so concurrent bookings on the same destination
	// acquire row locks in a consistent order and cannot deadlock.
	for _, segment := range booking.Segments {
		result, err := tx.ExecContext(ctx, `
			UPDATE gare.vehicles
			SET available_seats = available_seats - $2,
			    status = CASE WHEN available_seats - $2 = 0 THEN 'full' ELSE status END,
			    version = version + 1,
			    updated_at = NOW()
			WHERE vehicle_id = $1 AND status = 'loading' AND available_seats >= $2
		`, segment.VehicleID, segment.Seats)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve segment seats", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
		}
		if rowsAffected == 0 {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Vehicle '%s' cannot cover %d seat(s)", segment.VehicleID, segment.Seats), apierror.ReasonInsufficientSeats)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gare.bookings (booking_id, destination_id, requester, seats, total_fare, currency, status, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, booking.BookingID, booking.DestinationID, booking.Requester, booking.Seats, booking.TotalFare.String(), booking.Currency, booking.Status, booking.CreatedAt, metaDataJSON)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "foreign_key_violation" {
			return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Invalid destination ID", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create booking", err)
	}

	for _, segment := range booking.Segments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO gare.booking_segments (booking_id, vehicle_id, seats)
			VALUES ($1, $2, $3)
		`, booking.BookingID, segment.VehicleID, segment.Seats)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record booking segment", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}

	return booking, nil
}

// GetBooking retrieves a booking by its unique ID, including its seat segments.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The unique ID of the booking to retrieve.
//
// Returns:
// - *model.Booking: A pointer to the retrieved Booking object with segments attached.
// - error: Returns an APIError if the booking is not found or the query fails.
func (d Datasource) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	booking := model.Booking{}
	var totalFareStr string
	var paymentRef sql.NullString
	var metaDataJSON []byte

	row := d.Conn.QueryRowContext(ctx, `
		SELECT booking_id, destination_id, requester, seats, total_fare, currency, status, payment_ref, created_at, meta_data
		FROM gare.bookings
		WHERE booking_id = $1
	`, id)

	err := row.Scan(
		&booking.BookingID,
		&booking.DestinationID,
		&booking.Requester,
		&booking.Seats,
		&totalFareStr,
		&booking.Currency,
		&booking.Status,
		&paymentRef,
		&booking.CreatedAt,
		&metaDataJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Booking with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan booking data", err)
	}

	if paymentRef.Valid {
		booking.PaymentRef = paymentRef.String
	}

	booking.TotalFare, err = parseAmount(totalFareStr)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse total fare", err)
	}

	err = json.Unmarshal(metaDataJSON, &booking.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
	}

	booking.Segments, err = d.getBookingSegments(ctx, id)
	if err != nil {
		return nil, err
	}

	return &booking, nil
}

// getBookingSegments loads the per-vehicle seat shares of a booking.
func (d Datasource) getBookingSegments(ctx context.Context, bookingID string) ([]model.SeatSegment, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT vehicle_id, seats
		FROM gare.booking_segments
		WHERE booking_id = $1
		ORDER BY id ASC
	`, bookingID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve booking segments", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var segments []model.SeatSegment
	for rows.Next() {
		segment := model.SeatSegment{}
		if err := rows.Scan(&segment.VehicleID, &segment.Seats); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan booking segment", err)
		}
		segments = append(segments, segment)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over booking segments", err)
	}

	return segments, nil
}

// GetAllBookings retrieves bookings ordered by creation time, newest first.
// Segments are not loaded here; use GetBooking for the full picture.
//
// Parameters:
// - ctx: The context for the database operation.
// - limit: The maximum number of bookings to return.
// - offset: The offset to start fetching bookings from (for pagination).
//
// Returns:
// - []model.Booking: A slice of Booking objects.
// - error: An error if any occurs during the query execution or data retrieval.
func (d Datasource) GetAllBookings(ctx context.Context, limit, offset int) ([]model.Booking, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT booking_id, destination_id, requester, seats, total_fare, currency, status, payment_ref, created_at, meta_data
		FROM gare.bookings
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve bookings", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var bookings []model.Booking
	for rows.Next() {
		booking := model.Booking{}
		var totalFareStr string
		var paymentRef sql.NullString
		var metaDataJSON []byte

		err = rows.Scan(
			&booking.BookingID,
			&booking.DestinationID,
			&booking.Requester,
			&booking.Seats,
			&totalFareStr,
			&booking.Currency,
			&booking.Status,
			&paymentRef,
			&booking.CreatedAt,
			&metaDataJSON,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan booking data", err)
		}

		if paymentRef.Valid {
			booking.PaymentRef = paymentRef.String
		}

		booking.TotalFare, err = parseAmount(totalFareStr)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse total fare", err)
		}

		err = json.Unmarshal(metaDataJSON, &booking.MetaData)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}

		bookings = append(bookings, booking)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over bookings", err)
	}

	return bookings, nil
}

// UpdateBookingStatus sets the status of a booking.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The ID of the booking to update.
// - status: The new status to set.
//
// Returns:
// - error: Returns an APIError if the booking is not found or the update fails.
func (d Datasource) UpdateBookingStatus(ctx context.Context, id string, status model.BookingStatus) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gare.bookings
		SET status = $2
		WHERE booking_id = $1
	`, id, status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update booking status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Booking with ID '%s' not found", id), nil)
	}

	return nil
}

// CancelBooking cancels a booking and returns its seats to the vehicles they
// came from, all in one transaction. Cancelling an already cancelled booking
// is a conflict so seats can never be released twice.
//
// Parameters:
// - ctx: The context to manage the lifecycle of the transaction.
// - id: The ID of the booking to cancel.
//
// Returns:
// - *model.Booking: The booking in its cancelled state, segments attached.
// - error: Returns an APIError if the booking is missing, already cancelled, or the transaction fails.
func (d Datasource) CancelBooking(ctx context.Context, id string) (*model.Booking, error) {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	booking := model.Booking{}
	var totalFareStr string
	var paymentRef sql.NullString
	var metaDataJSON []byte

	// Lock the booking row for the duration of the cancel so a racing cancel
	// waits here and then fails the status guard below.
	row := tx.QueryRowContext(ctx, `
		SELECT booking_id, destination_id, requester, seats, total_fare, currency, status, payment_ref, created_at, meta_data
		FROM gare.bookings
		WHERE booking_id = $1
		FOR UPDATE
	`, id)

	err = row.Scan(
		&booking.BookingID,
		&booking.DestinationID,
		&booking.Requester,
		&booking.Seats,
		&totalFareStr,
		&booking.Currency,
		&booking.Status,
		&paymentRef,
		&booking.CreatedAt,
		&metaDataJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Booking with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan booking data", err)
	}

	if booking.Status == model.BookingCancelled {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Booking '%s' is already cancelled", id), nil)
	}

	if paymentRef.Valid {
		booking.PaymentRef = paymentRef.String
	}

	booking.TotalFare, err = parseAmount(totalFareStr)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse total fare", err)
	}

	err = json.Unmarshal(metaDataJSON, &booking.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
	}

	segmentRows, err := tx.QueryContext(ctx, `
		SELECT vehicle_id, seats
		FROM gare.booking_segments
		WHERE booking_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve booking segments", err)
	}

	var segments []model.SeatSegment
	for segmentRows.Next() {
		segment := model.SeatSegment{}
		if err := segmentRows.Scan(&segment.VehicleID, &segment.Seats); err != nil {
			_ = segmentRows.Close()
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan booking segment", err)
		}
		segments = append(segments, segment)
	}
	if err = segmentRows.Err(); err != nil {
		_ = segmentRows.Close()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over booking segments", err)
	}
	_ = segmentRows.Close()

	for _, segment := range segments {
		_, err = tx.ExecContext(ctx, `
			UPDATE gare.vehicles
			SET available_seats = LEAST(available_seats + $2, capacity),
			    status = CASE WHEN status = 'full' THEN 'loading' ELSE status END,
			    version = version + 1,
			    updated_at = NOW()
			WHERE vehicle_id = $1
		`, segment.VehicleID, segment.Seats)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release segment seats", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE gare.bookings
		SET status = 'cancelled'
		WHERE booking_id = $1
	`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to cancel booking", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM gare.seat_assignments
		WHERE booking_id = $1
	`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release seat assignments", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}

	booking.Status = model.BookingCancelled
	booking.Segments = segments
	return &booking, nil
}
