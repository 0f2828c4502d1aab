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

package api

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/garehq/gare"
	model2 "github.com/garehq/gare/api/model"
	"github.com/garehq/gare/internal/request"
	"github.com/garehq/gare/model"
)

func TestRegisterVehicleJoinsQueueTail(t *testing.T) {
	router, _, datasource, cleanup := setupRouter(t)
	defer cleanup()

	destination := &model.Destination{
		DestinationID: "dst_1",
		Name:          "Korhogo",
		Fare:          decimal.NewFromInt(500),
		Currency:      "XOF",
		Active:        true,
	}
	queued := []*model.Vehicle{
		{VehicleID: "veh_A", DestinationID: "dst_1", QueuePosition: 1, Status: model.VehicleLoading},
		{VehicleID: "veh_B", DestinationID: "dst_1", QueuePosition: 2, Status: model.VehicleLoading},
	}
	created := model.Vehicle{
		VehicleID:      "veh_http_1",
		DestinationID:  "dst_1",
		PlateNumber:    "CI-1234-AB",
		DriverName:     "Adama",
		Capacity:       14,
		AvailableSeats: 14,
		QueuePosition:  3,
		Status:         model.VehicleLoading,
		Version:        1,
	}
	datasource.On("GetDestination", mock.Anything, "dst_1").Return(destination, nil)
	datasource.On("GetBoardableVehicles", mock.Anything, "dst_1").Return(queued, nil)
	datasource.On("CreateVehicle", mock.Anything, mock.MatchedBy(func(v model.Vehicle) bool {
		// No explicit position, so the vehicle joins behind the two queued cars.
		return v.QueuePosition == 3 && v.AvailableSeats == 14 && v.Status == model.VehicleLoading
	})).Return(created, nil)
	datasource.On("GetVehicle", mock.Anything, "veh_http_1").Return(&created, nil)
	expectSyncJournal(datasource)

	payload := model2.RegisterVehicle{
		DestinationID: "dst_1",
		PlateNumber:   "CI-1234-AB",
		DriverName:    "Adama",
		Capacity:      14,
	}
	body, _ := request.ToJsonReq(&payload)
	var response model.Vehicle
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  body,
		Response: &response,
		Method:   "POST",
		Route:    "/vehicles",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "veh_http_1", response.VehicleID)
	assert.Equal(t, 3, response.QueuePosition)
}

func TestRegisterVehicleValidation(t *testing.T) {
	router, _, _, cleanup := setupRouter(t)
	defer cleanup()

	tests := []struct {
		name    string
		payload model2.RegisterVehicle
	}{
		{name: "missing destination", payload: model2.RegisterVehicle{PlateNumber: "CI-1234-AB", Capacity: 14}},
		{name: "missing plate", payload: model2.RegisterVehicle{DestinationID: "dst_1", Capacity: 14}},
		{name: "zero capacity", payload: model2.RegisterVehicle{DestinationID: "dst_1", PlateNumber: "CI-1234-AB"}},
		{name: "oversized capacity", payload: model2.RegisterVehicle{DestinationID: "dst_1", PlateNumber: "CI-1234-AB", Capacity: 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := request.ToJsonReq(&tt.payload)
			var response map[string]interface{}
			resp, err := SetUpTestRequest(TestRequest{
				Payload:  body,
				Response: &response,
				Method:   "POST",
				Route:    "/vehicles",
				Router:   router,
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestGetDestinationVehicles(t *testing.T) {
	router, _, datasource, cleanup := setupRouter(t)
	defer cleanup()

	queued := []*model.Vehicle{
		{VehicleID: "veh_A", DestinationID: "dst_1", AvailableSeats: 4, QueuePosition: 1, Status: model.VehicleLoading},
		{VehicleID: "veh_B", DestinationID: "dst_1", AvailableSeats: 14, QueuePosition: 2, Status: model.VehicleLoading},
	}
	datasource.On("GetBoardableVehicles", mock.Anything, "dst_1").Return(queued, nil)

	var response []model.Vehicle
	resp, err := SetUpTestRequest(TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    "/destinations/dst_1/vehicles",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, response, 2)
	assert.Equal(t, "veh_A", response[0].VehicleID)
	assert.Equal(t, 1, response[0].QueuePosition)
}

func TestUpdateVehicleStatusCompletes(t *testing.T) {
	router, service, datasource, cleanup := setupRouter(t)
	defer cleanup()

	vehicle := &model.Vehicle{
		VehicleID:     "veh_A",
		DestinationID: "dst_1",
		Capacity:      14,
		Status:        model.VehicleLoading,
		Version:       3,
	}
	datasource.On("GetVehicle", mock.Anything, "veh_A").Return(vehicle, nil)
	datasource.On("UpdateVehicleStatus", mock.Anything, "veh_A", model.VehicleMaintenance, int64(3)).Return(nil)
	expectSyncJournal(datasource)

	payload := model2.UpdateVehicleStatus{Status: "maintenance", Reason: "flat tire"}
	body, _ := request.ToJsonReq(&payload)
	var response gare.SubmitResult
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  body,
		Response: &response,
		Method:   "PUT",
		Route:    "/vehicles/veh_A/status",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Code)
	// Status changes skip the priority gate entirely.
	assert.Equal(t, gare.OutcomeImmediate, response.Outcome)

	waitForOperation(t, service, response.OperationID, model.OpCompleted)
	datasource.AssertCalled(t, "UpdateVehicleStatus", mock.Anything, "veh_A", model.VehicleMaintenance, int64(3))
}

func TestUpdateVehicleStatusValidation(t *testing.T) {
	router, _, _, cleanup := setupRouter(t)
	defer cleanup()

	payload := model2.UpdateVehicleStatus{Status: "flying"}
	body, _ := request.ToJsonReq(&payload)
	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  body,
		Response: &response,
		Method:   "PUT",
		Route:    "/vehicles/veh_A/status",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
