package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MetadataRequest represents the structure for metadata update requests.
// It contains a required metadata field that holds key-value pairs for updating entity metadata.
type MetadataRequest struct {
	Metadata map[string]interface{} `json:"meta_data" binding:"required"`
}

// UpdateMetadata handles HTTP requests to update metadata for destinations
// and bookings. The entity type is determined from the entity ID prefix.
//
// Parameters:
// - c: The Gin context containing the request and response.
//
// Responses:
// - 400 Bad Request: If the entity ID is missing or the request body is invalid.
// - 404 Not Found: If the specified entity doesn't exist.
// - 200 OK: If the metadata is successfully updated.
func (a Api) UpdateMetadata(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req MetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updatedMetadata, err := a.service.UpdateMetadata(c.Request.Context(), id, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"metadata": updatedMetadata})
}
