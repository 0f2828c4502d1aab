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
	"strconv"

	model2 "github.com/garehq/gare/api/model"

	"github.com/gin-gonic/gin"
)

func (a Api) CreateDestination(c *gin.Context) {
	var newDestination model2.CreateDestination
	if err := c.ShouldBindJSON(&newDestination); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newDestination.ValidateCreateDestination()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.service.CreateDestination(c.Request.Context(), newDestination.ToDestination())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// UpdateDestination replaces a destination's fields under its version guard.
// A stale version is a conflict; clients re-read and retry.
//
// Responses:
// - 400 Bad Request: If the payload fails binding or validation.
// - 404 Not Found: If no destination matches the ID.
// - 409 Conflict: If the version no longer matches the stored row.
// - 200 OK: The updated destination with its new version.
func (a Api) UpdateDestination(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var update model2.UpdateDestination
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := update.ValidateUpdateDestination(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	destination := update.ToDestination(id)
	if err := a.service.UpdateDestination(c.Request.Context(), &destination); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, destination)
}

func (a Api) GetDestination(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.service.GetDestination(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetAllDestinations(c *gin.Context) {
	limit, offset := paginationParams(c)
	resp, err := a.service.GetAllDestinations(limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// paginationParams reads limit and offset query values, clamping anything
// unusable back to the defaults.
func paginationParams(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
