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
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

// RecordPayment captures a payment and confirms its booking in one
// transaction. The booking update is guarded on pending status, so of two
// payments racing for the same booking only the first lands; the second rolls
// back with a conflict and the payment row is never written.
//
// Parameters:
// - ctx: The context to manage the lifecycle of the transaction.
// - payment: The payment to record.
//
// Returns:
// - *model.Payment: The recorded payment with its ID and timestamp populated.
// - error: A CONFLICT APIError carrying ReasonBookingConflict when the booking was already paid or cancelled.
func (d Datasource) RecordPayment(ctx context.Context, payment *model.Payment) (*model.Payment, error) {
	payment.PaymentID = model.GenerateUUIDWithSuffix("pay")
	payment.CreatedAt = time.Now()
	if payment.Status == "" {
		payment.Status = model.PaymentCaptured
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	// Confirm the booking first. A booking that is no longer pending has
	// already been settled or cancelled, and this payment loses the race.
	result, err := tx.ExecContext(ctx, `
		UPDATE gare.bookings
		SET status = 'confirmed', payment_ref = $2
		WHERE booking_id = $1 AND status = 'pending'
	`, payment.BookingID, payment.PaymentID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to confirm booking", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Booking '%s' is not awaiting payment", payment.BookingID), apierror.ReasonBookingConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gare.payments (payment_id, booking_id, amount, currency, method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, payment.PaymentID, payment.BookingID, payment.Amount.String(), payment.Currency, payment.Method, payment.Status, payment.CreatedAt)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "foreign_key_violation" {
			return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Invalid booking ID", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record payment", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}

	return payment, nil
}

// GetPayment retrieves a payment by its unique ID.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The unique ID of the payment to retrieve.
//
// Returns:
// - *model.Payment: A pointer to the retrieved Payment object.
// - error: Returns an APIError if the payment is not found or the query fails.
func (d Datasource) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	payment := model.Payment{}
	var amountStr string

	row := d.Conn.QueryRowContext(ctx, `
		SELECT payment_id, booking_id, amount, currency, method, status, created_at
		FROM gare.payments
		WHERE payment_id = $1
	`, id)

	err := row.Scan(
		&payment.PaymentID,
		&payment.BookingID,
		&amountStr,
		&payment.Currency,
		&payment.Method,
		&payment.Status,
		&payment.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payment data", err)
	}

	payment.Amount, err = parseAmount(amountStr)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse amount", err)
	}

	return &payment, nil
}

// GetPaymentsByBooking retrieves all payments recorded against a booking,
// oldest first.
//
// Parameters:
// - ctx: The context for the database operation.
// - bookingID: The booking whose payments to retrieve.
//
// Returns:
// - []model.Payment: A slice of Payment objects.
// - error: An error if any occurs during the query execution or data retrieval.
func (d Datasource) GetPaymentsByBooking(ctx context.Context, bookingID string) ([]model.Payment, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT payment_id, booking_id, amount, currency, method, status, created_at
		FROM gare.payments
		WHERE booking_id = $1
		ORDER BY created_at ASC
	`, bookingID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payments", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var payments []model.Payment
	for rows.Next() {
		payment := model.Payment{}
		var amountStr string

		err = rows.Scan(
			&payment.PaymentID,
			&payment.BookingID,
			&amountStr,
			&payment.Currency,
			&payment.Method,
			&payment.Status,
			&payment.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payment data", err)
		}

		payment.Amount, err = parseAmount(amountStr)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse amount", err)
		}

		payments = append(payments, payment)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over payments", err)
	}

	return payments, nil
}
