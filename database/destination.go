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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

// CreateDestination inserts a new destination record into the `gare.destinations` table.
// It generates a unique destination ID and sets the creation timestamp before inserting.
//
// Parameters:
// - destination: A model.Destination object containing the destination information to be created.
//
// Returns:
// - model.Destination: The created destination with its ID and timestamp populated.
// - error: Returns an APIError in case of failures such as database conflicts or other issues.
func (d Datasource) CreateDestination(destination model.Destination) (model.Destination, error) {
	metaDataJSON, err := json.Marshal(destination.MetaData)
	if err != nil {
		return model.Destination{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	destination.DestinationID = model.GenerateUUIDWithSuffix("dst")
	destination.CreatedAt = time.Now()

	_, err = d.Conn.Exec(`
		INSERT INTO gare.destinations (destination_id, name, route_code, fare, currency, active, version, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, destination.DestinationID, destination.Name, destination.RouteCode, destination.Fare.String(), destination.Currency, destination.Active, destination.Version, destination.CreatedAt, metaDataJSON)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return model.Destination{}, apierror.NewAPIError(apierror.ErrConflict, "Destination with this route code already exists", err)
			default:
				return model.Destination{}, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return model.Destination{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create destination", err)
	}

	return destination, nil
}

// GetDestination retrieves a destination by its unique ID. Results are served
// from the cache when a fresh copy exists; cache write failures are logged and
// do not fail the read.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The unique ID of the destination to retrieve.
//
// Returns:
// - *model.Destination: A pointer to the retrieved Destination object.
// - error: Returns an APIError in case of errors such as database failures or if the destination is not found.
func (d Datasource) GetDestination(ctx context.Context, id string) (*model.Destination, error) {
	cacheKey := fmt.Sprintf("destination:%s", id)

	var cached model.Destination
	if d.Cache != nil {
		err := d.Cache.Get(ctx, cacheKey, &cached)
		if err == nil && cached.DestinationID != "" {
			return &cached, nil
		}
	}

	destination := model.Destination{}
	var fareStr string
	var metaDataJSON []byte

	row := d.Conn.QueryRowContext(ctx, `
		SELECT destination_id, name, route_code, fare, currency, active, version, created_at, meta_data
		FROM gare.destinations
		WHERE destination_id = $1
	`, id)

	err := row.Scan(
		&destination.DestinationID,
		&destination.Name,
		&destination.RouteCode,
		&fareStr,
		&destination.Currency,
		&destination.Active,
		&destination.Version,
		&destination.CreatedAt,
		&metaDataJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Destination with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan destination data", err)
	}

	destination.Fare, err = parseAmount(fareStr)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse fare", err)
	}

	err = json.Unmarshal(metaDataJSON, &destination.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
	}

	if d.Cache != nil {
		err = d.Cache.Set(ctx, cacheKey, destination, 5*time.Minute)
		if err != nil {
			logrus.Warnf("Failed to cache destination %s: %v", id, err)
		}
	}

	return &destination, nil
}

// GetAllDestinations retrieves destinations from the database ordered by
// creation time, newest first.
//
// Parameters:
// - limit: The maximum number of destinations to return.
// - offset: The offset to start fetching destinations from (for pagination).
//
// Returns:
// - []model.Destination: A slice of Destination objects.
// - error: An error if any occurs during the query execution, data retrieval, or JSON parsing.
func (d Datasource) GetAllDestinations(limit, offset int) ([]model.Destination, error) {
	rows, err := d.Conn.Query(`
		SELECT destination_id, name, route_code, fare, currency, active, version, created_at, meta_data
		FROM gare.destinations
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve destinations", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var destinations []model.Destination

	for rows.Next() {
		destination := model.Destination{}
		var fareStr string
		var metaDataJSON []byte

		err = rows.Scan(
			&destination.DestinationID,
			&destination.Name,
			&destination.RouteCode,
			&fareStr,
			&destination.Currency,
			&destination.Active,
			&destination.Version,
			&destination.CreatedAt,
			&metaDataJSON,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan destination data", err)
		}

		destination.Fare, err = parseAmount(fareStr)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse fare", err)
		}

		err = json.Unmarshal(metaDataJSON, &destination.MetaData)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}

		destinations = append(destinations, destination)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over destinations", err)
	}

	return destinations, nil
}

// UpdateDestination updates a destination entry in the database.
// Data consistency under concurrent writers is kept with optimistic locking:
// the version field is incremented after a successful update, and an update
// against a stale version affects no rows.
//
// Parameters:
// - ctx: The context for managing the operation's lifecycle and cancellation.
// - destination: A pointer to the destination object containing the updated information.
//
// Returns:
// - error: Returns an error if the update fails, including an optimistic locking conflict.
func (d Datasource) UpdateDestination(ctx context.Context, destination *model.Destination) error {
	metaDataJSON, err := json.Marshal(destination.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gare.destinations
		SET name = $2, route_code = $3, fare = $4, currency = $5, active = $6, meta_data = $7, version = version + 1
		WHERE destination_id = $1 AND version = $8
	`, destination.DestinationID, destination.Name, destination.RouteCode, destination.Fare.String(), destination.Currency, destination.Active, metaDataJSON, destination.Version)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update destination", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Optimistic locking failure: destination with ID '%s' may have been updated or deleted by another writer", destination.DestinationID), nil)
	}

	destination.Version++

	if d.Cache != nil {
		if err := d.Cache.Delete(ctx, fmt.Sprintf("destination:%s", destination.DestinationID)); err != nil {
			logrus.Warnf("Failed to evict destination %s from cache: %v", destination.DestinationID, err)
		}
	}

	return nil
}

// UpsertDestinationFromSync inserts or updates a destination received from the
// central server. The row carries the central server's version and is only
// touched when the incoming copy is strictly newer, so replayed sync traffic
// cannot regress fares or route details.
//
// Parameters:
// - ctx: The context for the database operation.
// - destination: A pointer to the destination carrying the central version.
//
// Returns:
// - bool: True when the row was inserted or updated.
// - error: Returns an APIError in case of database failures.
func (d Datasource) UpsertDestinationFromSync(ctx context.Context, destination *model.Destination) (bool, error) {
	metaDataJSON, err := json.Marshal(destination.MetaData)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	if destination.CreatedAt.IsZero() {
		destination.CreatedAt = time.Now()
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO gare.destinations (destination_id, name, route_code, fare, currency, active, version, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (destination_id) DO UPDATE
		SET name = EXCLUDED.name,
		    route_code = EXCLUDED.route_code,
		    fare = EXCLUDED.fare,
		    currency = EXCLUDED.currency,
		    active = EXCLUDED.active,
		    version = EXCLUDED.version,
		    meta_data = EXCLUDED.meta_data
		WHERE gare.destinations.version < EXCLUDED.version
	`, destination.DestinationID, destination.Name, destination.RouteCode, destination.Fare.String(), destination.Currency, destination.Active, destination.Version, destination.CreatedAt, metaDataJSON)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert destination from sync", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected > 0 && d.Cache != nil {
		if err := d.Cache.Delete(ctx, fmt.Sprintf("destination:%s", destination.DestinationID)); err != nil {
			logrus.Warnf("Failed to evict destination %s from cache: %v", destination.DestinationID, err)
		}
	}

	return rowsAffected > 0, nil
}
