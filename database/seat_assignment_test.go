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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

func TestAssignSeats_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	assignments := []model.SeatAssignment{
		{VehicleID: "veh1", SeatCode: "A1", Passenger: "Awa", BookingID: "bkg1"},
		{VehicleID: "veh1", SeatCode: "A2", Passenger: "Fatou", BookingID: "bkg1"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gare.seat_assignments").
		WithArgs(sqlmock.AnyArg(), "veh1", "A1", "Awa", "bkg1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO gare.seat_assignments").
		WithArgs(sqlmock.AnyArg(), "veh1", "A2", "Fatou", "bkg1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err = ds.AssignSeats(context.Background(), assignments)
	assert.NoError(t, err)
	assert.NotEmpty(t, assignments[0].AssignmentID)
	assert.NotEmpty(t, assignments[1].AssignmentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignSeats_SeatTaken(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	assignments := []model.SeatAssignment{
		{VehicleID: "veh1", SeatCode: "A1", Passenger: "Awa"},
	}

	// A concurrent request already holds A1. The unique constraint rejects
	// the insert and the first claimant keeps the seat.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gare.seat_assignments").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})
	mock.ExpectRollback()

	err = ds.AssignSeats(context.Background(), assignments)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.Equal(t, apierror.ReasonSeatTaken, apiErr.Details)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignSeats_Empty(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	err = ds.AssignSeats(context.Background(), nil)
	assert.NoError(t, err)
}

func TestGetSeatAssignments(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM gare.seat_assignments").
		WithArgs("veh1").
		WillReturnRows(sqlmock.NewRows([]string{
			"assignment_id", "vehicle_id", "seat_code", "passenger", "booking_id", "created_at",
		}).
			AddRow("seat1", "veh1", "A1", "Awa", "bkg1", time.Now()).
			AddRow("seat2", "veh1", "B2", "Fatou", nil, time.Now()))

	assignments, err := ds.GetSeatAssignments(context.Background(), "veh1")
	assert.NoError(t, err)
	assert.Len(t, assignments, 2)
	assert.Equal(t, "A1", assignments[0].SeatCode)
	assert.Equal(t, "bkg1", assignments[0].BookingID)
	assert.Empty(t, assignments[1].BookingID)
}

func TestReleaseSeatAssignments(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("DELETE FROM gare.seat_assignments").
		WithArgs("bkg1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = ds.ReleaseSeatAssignments(context.Background(), "bkg1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
