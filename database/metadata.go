package database

import (
	"context"
	"encoding/json"
)

// UpdateDestinationMetadata updates the metadata for a specific destination in the database.
// It marshals the metadata map to JSON before storing it.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The ID of the destination to update.
// - metadata: The new metadata to store.
//
// Returns:
// - error: An error if the update operation fails.
func (d *Datasource) UpdateDestinationMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	_, err = d.Conn.ExecContext(ctx, `
		UPDATE gare.destinations
		SET meta_data = $1
		WHERE destination_id = $2
	`, metadataJSON, id)
	return err
}

// UpdateBookingMetadata updates the metadata for a specific booking in the database.
// It marshals the metadata map to JSON before storing it.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The ID of the booking to update.
// - metadata: The new metadata to store.
//
// Returns:
// - error: An error if the update operation fails.
func (d *Datasource) UpdateBookingMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	_, err = d.Conn.ExecContext(ctx, `
		UPDATE gare.bookings
		SET meta_data = $1
		WHERE booking_id = $2
	`, metadataJSON, id)
	return err
}
