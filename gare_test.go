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
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

func TestSubmitOperationExecutesBooking(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	destination := &model.Destination{
		DestinationID: "dst_1",
		Fare:          decimal.NewFromInt(500),
		Currency:      "XOF",
		Active:        true,
	}
	queue := []*model.Vehicle{
		{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 3, QueuePosition: 1, Status: model.VehicleLoading, Version: 1},
	}
	recorded := &model.Booking{
		BookingID:     "bkg_sub",
		DestinationID: "dst_1",
		Requester:     "conn_1",
		Seats:         2,
		Segments:      []model.SeatSegment{{VehicleID: "veh_A", Seats: 2}},
		TotalFare:     decimal.NewFromInt(1000),
		Currency:      "XOF",
		Status:        model.BookingPending,
	}
	datasource.On("GetDestination", mock.Anything, "dst_1").Return(destination, nil)
	datasource.On("GetBoardableVehicles", mock.Anything, "dst_1").Return(queue, nil)
	datasource.On("RecordBooking", mock.Anything, mock.AnythingOfType("*model.Booking")).Return(recorded, nil)
	datasource.On("GetVehicle", mock.Anything, "veh_A").
		Return(&model.Vehicle{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 1, Status: model.VehicleLoading, Version: 2}, nil)
	expectSyncJournal(datasource)

	events, cancel := g.Events().Subscribe()
	defer cancel()

	result, err := g.SubmitOperation(context.Background(), model.ResourceOperationPayload{
		Kind:       model.OpBooking,
		ResourceID: "dst_1",
		Priority:   9,
		Data:       json.RawMessage(`{"destination_id":"dst_1","seats":2}`),
	}, "conn_1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeImmediate, result.Outcome)

	completed, failed, conflicted := collectOperationEvents(t, events, 1, 5*time.Second)
	assert.Len(t, completed, 1)
	assert.Empty(t, failed)
	assert.Empty(t, conflicted)
	assert.Equal(t, result.OperationID, completed[0].OperationID)
	assert.Equal(t, model.OpCompleted, completed[0].Status)

	op, err := g.GetOperation(result.OperationID)
	assert.NoError(t, err)
	assert.Equal(t, model.OpCompleted, op.Status)

	datasource.AssertExpectations(t)
}

func TestSubmitOperationQueuesLowPriority(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	result, err := g.SubmitOperation(context.Background(), model.ResourceOperationPayload{
		Kind:       model.OpBooking,
		ResourceID: "dst_1",
		Priority:   1,
		Data:       json.RawMessage(`{"destination_id":"dst_1","seats":1}`),
	}, "conn_1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeQueued, result.Outcome)

	op, err := g.GetOperation(result.OperationID)
	assert.NoError(t, err)
	assert.Equal(t, model.OpPending, op.Status)

	// Nothing runs until the queue drains, so the store stays untouched.
	datasource.AssertNotCalled(t, "GetDestination", mock.Anything, mock.Anything)
}

func TestSubmitOperationRejectsUnknownKind(t *testing.T) {
	g, _, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	_, err = g.SubmitOperation(context.Background(), model.ResourceOperationPayload{
		Kind:       model.OperationKind("teleport"),
		ResourceID: "dst_1",
		Data:       json.RawMessage(`{}`),
	}, "conn_1")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.Code(err))
	assert.Contains(t, err.Error(), "Invalid payload")
}
