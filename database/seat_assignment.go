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

// AssignSeats claims a set of named seat codes in one transaction. The table
// carries a unique constraint on (vehicle_id, seat_code), so between two
// requests racing for the same code the first insert wins and the second
// rolls back with a conflict. Nothing is claimed unless every code is free.
//
// Parameters:
// - ctx: The context to manage the lifecycle of the transaction.
// - assignments: The seat codes to claim. IDs and timestamps are populated in place.
//
// Returns:
// - error: A CONFLICT APIError carrying ReasonSeatTaken when any code is already held.
func (d Datasource) AssignSeats(ctx context.Context, assignments []model.SeatAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for i := range assignments {
		assignments[i].AssignmentID = model.GenerateUUIDWithSuffix("seat")
		assignments[i].CreatedAt = time.Now()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO gare.seat_assignments (assignment_id, vehicle_id, seat_code, passenger, booking_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, assignments[i].AssignmentID, assignments[i].VehicleID, assignments[i].SeatCode, assignments[i].Passenger, nullableString(assignments[i].BookingID), assignments[i].CreatedAt)
		if err != nil {
			pqErr, ok := err.(*pq.Error)
			if ok {
				switch pqErr.Code.Name() {
				case "unique_violation":
					return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Seat '%s' on vehicle '%s' is already taken", assignments[i].SeatCode, assignments[i].VehicleID), apierror.ReasonSeatTaken)
				case "foreign_key_violation":
					return apierror.NewAPIError(apierror.ErrBadRequest, "Invalid vehicle ID", err)
				}
			}
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to assign seat", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}

	return nil
}

// GetSeatAssignments retrieves the claimed seat codes on a vehicle.
//
// Parameters:
// - ctx: The context for the database operation.
// - vehicleID: The vehicle whose assignments to retrieve.
//
// Returns:
// - []model.SeatAssignment: Assignments ordered by seat code.
// - error: An error if any occurs during the query execution or data retrieval.
func (d Datasource) GetSeatAssignments(ctx context.Context, vehicleID string) ([]model.SeatAssignment, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT assignment_id, vehicle_id, seat_code, passenger, booking_id, created_at
		FROM gare.seat_assignments
		WHERE vehicle_id = $1
		ORDER BY seat_code ASC
	`, vehicleID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve seat assignments", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var assignments []model.SeatAssignment
	for rows.Next() {
		assignment := model.SeatAssignment{}
		var bookingID sql.NullString

		err = rows.Scan(
			&assignment.AssignmentID,
			&assignment.VehicleID,
			&assignment.SeatCode,
			&assignment.Passenger,
			&bookingID,
			&assignment.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan seat assignment", err)
		}

		if bookingID.Valid {
			assignment.BookingID = bookingID.String
		}

		assignments = append(assignments, assignment)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over seat assignments", err)
	}

	return assignments, nil
}

// ReleaseSeatAssignments frees every seat code held by a booking. Releasing a
// booking that holds no codes is a no-op.
//
// Parameters:
// - ctx: The context for the database operation.
// - bookingID: The booking whose seat codes to free.
//
// Returns:
// - error: An error if the delete fails.
func (d Datasource) ReleaseSeatAssignments(ctx context.Context, bookingID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM gare.seat_assignments WHERE booking_id = $1
	`, bookingID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release seat assignments", err)
	}
	return nil
}

// nullableString maps an empty string to SQL NULL.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
