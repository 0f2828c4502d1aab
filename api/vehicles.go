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

	model2 "github.com/garehq/gare/api/model"

	"github.com/gin-gonic/gin"
)

// RegisterVehicle adds a vehicle to its destination's loading queue. The
// queue position defaults to the back of the queue when omitted.
//
// Responses:
// - 400 Bad Request: If the payload fails binding or validation.
// - 201 Created: If the vehicle is registered.
func (a Api) RegisterVehicle(c *gin.Context) {
	var newVehicle model2.RegisterVehicle
	if err := c.ShouldBindJSON(&newVehicle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newVehicle.ValidateRegisterVehicle()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.service.RegisterVehicle(c.Request.Context(), newVehicle.ToVehicle())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetVehicle(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.service.GetVehicle(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetDestinationVehicles returns the destination's live loading queue in
// boarding order.
func (a Api) GetDestinationVehicles(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.service.GetBoardableVehicles(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateVehicleStatus submits a status change through the coordinator so it
// serializes against in-flight bookings on the same vehicle.
//
// Responses:
// - 400 Bad Request: If the payload fails binding or validation.
// - 409 Conflict: If the change loses a submission-time conflict check.
// - 202 Accepted: If the change is scheduled; poll /operations/:id.
func (a Api) UpdateVehicleStatus(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var statusChange model2.UpdateVehicleStatus
	if err := c.ShouldBindJSON(&statusChange); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := statusChange.ValidateUpdateVehicleStatus(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	req, err := statusChange.ToOperation(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	result, err := a.service.SubmitOperation(c.Request.Context(), req, httpRequester)
	if err != nil {
		respondError(c, err)
		return
	}

	respondSubmit(c, result)
}
