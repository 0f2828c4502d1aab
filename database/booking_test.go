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
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

func TestRecordBooking_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	booking := &model.Booking{
		DestinationID: "dst1",
		Requester:     "counter-3",
		Seats:         4,
		TotalFare:     decimal.NewFromInt(2000),
		Currency:      "XOF",
		Segments: []model.SeatSegment{
			{VehicleID: "veh1", Seats: 2},
			{VehicleID: "veh2", Seats: 2},
		},
		MetaData: map[string]interface{}{"channel": "counter"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE gare.vehicles").
		WithArgs("veh1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gare.vehicles").
		WithArgs("veh2", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gare.bookings").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO gare.booking_segments").
		WithArgs(sqlmock.AnyArg(), "veh1", 2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO gare.booking_segments").
		WithArgs(sqlmock.AnyArg(), "veh2", 2).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	recorded, err := ds.RecordBooking(context.Background(), booking)
	assert.NoError(t, err)
	assert.NotEmpty(t, recorded.BookingID)
	assert.Equal(t, model.BookingPending, recorded.Status)
	assert.WithinDuration(t, time.Now(), recorded.CreatedAt, time.Second)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBooking_SegmentFails_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	booking := &model.Booking{
		DestinationID: "dst1",
		Requester:     "counter-3",
		Seats:         4,
		Currency:      "XOF",
		Segments: []model.SeatSegment{
			{VehicleID: "veh1", Seats: 2},
			{VehicleID: "veh2", Seats: 2},
		},
	}

	// The second vehicle lost its seats to a concurrent booking, so its
	// conditional decrement matches nothing and everything rolls back.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE gare.vehicles").
		WithArgs("veh1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gare.vehicles").
		WithArgs("veh2", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = ds.RecordBooking(context.Background(), booking)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.Equal(t, apierror.ReasonInsufficientSeats, apiErr.Details)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBooking_NoSegments(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	_, err = ds.RecordBooking(context.Background(), &model.Booking{
		DestinationID: "dst1",
		Seats:         2,
	})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
}

func TestGetBooking_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM gare.bookings").
		WithArgs("bkg1").
		WillReturnRows(sqlmock.NewRows([]string{
			"booking_id", "destination_id", "requester", "seats", "total_fare", "currency", "status", "payment_ref", "created_at", "meta_data",
		}).AddRow("bkg1", "dst1", "counter-3", 4, "2000", "XOF", model.BookingPending, nil, time.Now(), []byte(`{}`)))

	mock.ExpectQuery("SELECT (.+) FROM gare.booking_segments").
		WithArgs("bkg1").
		WillReturnRows(sqlmock.NewRows([]string{"vehicle_id", "seats"}).
			AddRow("veh1", 2).
			AddRow("veh2", 2))

	booking, err := ds.GetBooking(context.Background(), "bkg1")
	assert.NoError(t, err)
	assert.Equal(t, "bkg1", booking.BookingID)
	assert.True(t, booking.TotalFare.Equal(decimal.NewFromInt(2000)))
	assert.Len(t, booking.Segments, 2)
	assert.Equal(t, "veh1", booking.Segments[0].VehicleID)
}

func TestGetBooking_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM gare.bookings").
		WithArgs("bkg404").
		WillReturnRows(sqlmock.NewRows([]string{"booking_id"}))

	_, err = ds.GetBooking(context.Background(), "bkg404")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestCancelBooking_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM gare.bookings").
		WithArgs("bkg1").
		WillReturnRows(sqlmock.NewRows([]string{
			"booking_id", "destination_id", "requester", "seats", "total_fare", "currency", "status", "payment_ref", "created_at", "meta_data",
		}).AddRow("bkg1", "dst1", "counter-3", 3, "1500", "XOF", model.BookingPending, nil, time.Now(), []byte(`{}`)))
	mock.ExpectQuery("SELECT (.+) FROM gare.booking_segments").
		WithArgs("bkg1").
		WillReturnRows(sqlmock.NewRows([]string{"vehicle_id", "seats"}).AddRow("veh1", 3))
	mock.ExpectExec("UPDATE gare.vehicles").
		WithArgs("veh1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gare.bookings").
		WithArgs("bkg1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM gare.seat_assignments").
		WithArgs("bkg1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	cancelled, err := ds.CancelBooking(context.Background(), "bkg1")
	assert.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, cancelled.Status)
	assert.Len(t, cancelled.Segments, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBooking_AlreadyCancelled(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM gare.bookings").
		WithArgs("bkg1").
		WillReturnRows(sqlmock.NewRows([]string{
			"booking_id", "destination_id", "requester", "seats", "total_fare", "currency", "status", "payment_ref", "created_at", "meta_data",
		}).AddRow("bkg1", "dst1", "counter-3", 3, "1500", "XOF", model.BookingCancelled, nil, time.Now(), []byte(`{}`)))
	mock.ExpectRollback()

	_, err = ds.CancelBooking(context.Background(), "bkg1")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBookingStatus_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE gare.bookings").
		WithArgs("bkg404", model.BookingConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateBookingStatus(context.Background(), "bkg404", model.BookingConfirmed)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
