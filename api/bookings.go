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

	"github.com/sirupsen/logrus"

	model2 "github.com/garehq/gare/api/model"

	"github.com/gin-gonic/gin"
)

// CreateBooking submits a seat request through the coordinator. Seats are
// never taken on the request goroutine; the coordinator schedules the
// operation and the store's conditional reserve decides the outcome.
//
// Parameters:
// - c: The Gin context containing the request and response.
//
// Responses:
// - 400 Bad Request: If the payload fails binding or validation.
// - 409 Conflict: If the request loses a submission-time conflict check.
// - 429 Too Many Requests: If the coordinator's pending queue is full.
// - 202 Accepted: If the booking is scheduled; poll /operations/:id.
func (a Api) CreateBooking(c *gin.Context) {
	var newBooking model2.CreateBooking
	if err := c.ShouldBindJSON(&newBooking); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	err := newBooking.ValidateCreateBooking()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	req, err := newBooking.ToOperation()
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

// GetBooking retrieves a booking with its per-vehicle seat segments.
//
// Responses:
// - 400 Bad Request: If the ID is missing from the route.
// - 404 Not Found: If no booking matches the ID.
// - 200 OK: The booking.
func (a Api) GetBooking(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.service.GetBooking(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// CancelBooking cancels a booking and returns its seats to their vehicles.
// Vehicles still boarding have their scheduled departures re-evaluated.
//
// Responses:
// - 400 Bad Request: If the ID is missing from the route.
// - 404 Not Found: If no booking matches the ID.
// - 409 Conflict: If the booking is already cancelled.
// - 200 OK: The cancelled booking.
func (a Api) CancelBooking(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.service.CancelBooking(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RecordPayment submits a payment against a booking through the
// coordinator. A captured payment confirms its booking.
//
// Responses:
// - 400 Bad Request: If the payload fails binding or validation.
// - 409 Conflict: If the payment loses a submission-time conflict check.
// - 202 Accepted: If the payment is scheduled; poll /operations/:id.
func (a Api) RecordPayment(c *gin.Context) {
	var newPayment model2.RecordPayment
	if err := c.ShouldBindJSON(&newPayment); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	err := newPayment.ValidateRecordPayment()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	req, err := newPayment.ToOperation()
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

// GetOperation reports the lifecycle of a submitted operation, including
// its result or error once terminal.
//
// Responses:
// - 400 Bad Request: If the ID is missing from the route.
// - 404 Not Found: If the operation is unknown or already trimmed.
// - 200 OK: The operation.
func (a Api) GetOperation(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.service.GetOperation(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
