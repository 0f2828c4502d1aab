package gare

import (
	"context"
	"fmt"
	"strings"

	"github.com/garehq/gare/internal/apierror"
)

// getEntityTypeFromID determines the entity type from the ID prefix.
//
// Parameters:
// - id: A string representing the entity ID to analyze.
//
// Returns:
// - string: The determined entity type ("destinations" or "bookings").
// - error: An error if the ID format is invalid.
func getEntityTypeFromID(id string) (string, error) {
	switch {
	case strings.HasPrefix(id, "dst_"):
		return "destinations", nil
	case strings.HasPrefix(id, "bkg_"):
		return "bookings", nil
	default:
		return "", apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("invalid entity ID format: %s", id), nil)
	}
}

// UpdateMetadata merges new metadata into the entity named by its ID prefix.
// Only destinations and bookings carry operator metadata; vehicle state is
// owned by the central server. The row triggers forward the change to the
// snapshot store, so no snapshot write happens here.
//
// Parameters:
// - ctx: The context for the operation.
// - entityID: The ID of the entity to update.
// - newMetadata: The metadata entries to merge in.
//
// Returns:
// - map[string]interface{}: The merged metadata after the update.
// - error: An error if the entity is missing or the update fails.
func (l *Gare) UpdateMetadata(ctx context.Context, entityID string, newMetadata map[string]interface{}) (map[string]interface{}, error) {
	entityType, err := getEntityTypeFromID(entityID)
	if err != nil {
		return nil, err
	}

	switch entityType {
	case "destinations":
		destination, err := l.GetDestination(ctx, entityID)
		if err != nil {
			return nil, err
		}
		mergedMetadata := mergeMetadata(destination.MetaData, newMetadata)
		if err := l.datasource.UpdateDestinationMetadata(ctx, entityID, mergedMetadata); err != nil {
			return nil, err
		}
		return mergedMetadata, nil

	case "bookings":
		booking, err := l.GetBooking(ctx, entityID)
		if err != nil {
			return nil, err
		}
		mergedMetadata := mergeMetadata(booking.MetaData, newMetadata)
		if err := l.datasource.UpdateBookingMetadata(ctx, entityID, mergedMetadata); err != nil {
			return nil, err
		}
		return mergedMetadata, nil

	default:
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unsupported entity type: %s", entityType), nil)
	}
}

// mergeMetadata merges new metadata with existing metadata.
// If the current metadata is nil, it initializes a new map.
//
// Parameters:
// - current: The existing metadata map.
// - new: The new metadata map to merge.
//
// Returns:
// - map[string]interface{}: The merged metadata map.
func mergeMetadata(current, new map[string]interface{}) map[string]interface{} {
	if current == nil {
		current = make(map[string]interface{})
	}

	for k, v := range new {
		current[k] = v
	}

	return current
}
