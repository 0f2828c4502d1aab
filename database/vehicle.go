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

// vehicleColumns is the canonical select list for vehicle reads.
const vehicleColumns = `vehicle_id, destination_id, plate_number, driver_name, capacity, available_seats, queue_position, status, version, created_at, updated_at, meta_data`

// scanVehicle maps one row from a query over vehicleColumns into a Vehicle.
func scanVehicle(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Vehicle, error) {
	vehicle := model.Vehicle{}
	var metaDataJSON []byte

	err := scanner.Scan(
		&vehicle.VehicleID,
		&vehicle.DestinationID,
		&vehicle.PlateNumber,
		&vehicle.DriverName,
		&vehicle.Capacity,
		&vehicle.AvailableSeats,
		&vehicle.QueuePosition,
		&vehicle.Status,
		&vehicle.Version,
		&vehicle.CreatedAt,
		&vehicle.UpdatedAt,
		&metaDataJSON,
	)
	if err != nil {
		return nil, err
	}

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &vehicle.MetaData); err != nil {
			return nil, err
		}
	}

	return &vehicle, nil
}

// CreateVehicle inserts a new vehicle record into the `gare.vehicles` table.
// A fresh vehicle starts with all seats available and joins the back of its
// destination's queue unless a queue position is supplied.
//
// Parameters:
// - ctx: The context for the database operation.
// - vehicle: A model.Vehicle object containing the vehicle information to be created.
//
// Returns:
// - model.Vehicle: The created vehicle with its ID and timestamps populated.
// - error: Returns an APIError in case of failures such as database conflicts or other issues.
func (d Datasource) CreateVehicle(ctx context.Context, vehicle model.Vehicle) (model.Vehicle, error) {
	metaDataJSON, err := json.Marshal(vehicle.MetaData)
	if err != nil {
		return model.Vehicle{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	vehicle.VehicleID = model.GenerateUUIDWithSuffix("veh")
	vehicle.CreatedAt = time.Now()
	vehicle.UpdatedAt = vehicle.CreatedAt
	if vehicle.Status == "" {
		vehicle.Status = model.VehicleLoading
	}
	if vehicle.AvailableSeats == 0 && vehicle.Status == model.VehicleLoading {
		vehicle.AvailableSeats = vehicle.Capacity
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO gare.vehicles (vehicle_id, destination_id, plate_number, driver_name, capacity, available_seats, queue_position, status, version, created_at, updated_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, vehicle.VehicleID, vehicle.DestinationID, vehicle.PlateNumber, vehicle.DriverName, vehicle.Capacity, vehicle.AvailableSeats, vehicle.QueuePosition, vehicle.Status, vehicle.Version, vehicle.CreatedAt, vehicle.UpdatedAt, metaDataJSON)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return model.Vehicle{}, apierror.NewAPIError(apierror.ErrConflict, "Vehicle with this plate number already exists", err)
			case "foreign_key_violation":
				return model.Vehicle{}, apierror.NewAPIError(apierror.ErrBadRequest, "Invalid destination ID", err)
			case "check_violation":
				return model.Vehicle{}, apierror.NewAPIError(apierror.ErrInvalidInput, "Seat counts are out of range for this vehicle", err)
			default:
				return model.Vehicle{}, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return model.Vehicle{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create vehicle", err)
	}

	return vehicle, nil
}

// GetVehicle retrieves a vehicle by its unique ID.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The unique ID of the vehicle to retrieve.
//
// Returns:
// - *model.Vehicle: A pointer to the retrieved Vehicle object.
// - error: Returns an APIError if the vehicle is not found or the query fails.
func (d Datasource) GetVehicle(ctx context.Context, id string) (*model.Vehicle, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+vehicleColumns+`
		FROM gare.vehicles
		WHERE vehicle_id = $1
	`, id)

	vehicle, err := scanVehicle(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Vehicle with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan vehicle data", err)
	}

	return vehicle, nil
}

// GetAllVehicles retrieves vehicles ordered by destination and queue position.
//
// Parameters:
// - ctx: The context for the database operation.
// - limit: The maximum number of vehicles to return.
// - offset: The offset to start fetching vehicles from (for pagination).
//
// Returns:
// - []model.Vehicle: A slice of Vehicle objects.
// - error: An error if any occurs during the query execution or data retrieval.
func (d Datasource) GetAllVehicles(ctx context.Context, limit, offset int) ([]model.Vehicle, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+vehicleColumns+`
		FROM gare.vehicles
		ORDER BY destination_id, queue_position ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve vehicles", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var vehicles []model.Vehicle
	for rows.Next() {
		vehicle, err := scanVehicle(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan vehicle data", err)
		}
		vehicles = append(vehicles, *vehicle)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over vehicles", err)
	}

	return vehicles, nil
}

// GetBoardableVehicles retrieves the vehicles currently selling seats for a
// destination, front of the queue first. Only loading vehicles with at least
// one free seat are returned, which is the pool the allocator draws from.
//
// Parameters:
// - ctx: The context for the database operation.
// - destinationID: The destination whose loading queue to read.
//
// Returns:
// - []*model.Vehicle: Vehicles ordered by ascending queue position.
// - error: An error if any occurs during the query execution or data retrieval.
func (d Datasource) GetBoardableVehicles(ctx context.Context, destinationID string) ([]*model.Vehicle, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+vehicleColumns+`
		FROM gare.vehicles
		WHERE destination_id = $1 AND status = 'loading' AND available_seats > 0
		ORDER BY queue_position ASC
	`, destinationID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve boardable vehicles", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var vehicles []*model.Vehicle
	for rows.Next() {
		vehicle, err := scanVehicle(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan vehicle data", err)
		}
		vehicles = append(vehicles, vehicle)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over boardable vehicles", err)
	}

	return vehicles, nil
}

// UpdateVehicleStatus transitions a vehicle to a new status using optimistic
// locking. A stale version affects no rows and surfaces as a conflict, so the
// last successful writer always worked from the current state.
//
// Parameters:
// - ctx: The context for managing the operation's lifecycle and cancellation.
// - id: The ID of the vehicle to update.
// - status: The new status to set.
// - version: The version the caller last read; the update only applies if it still matches.
//
// Returns:
// - error: Returns an error if the update fails, including an optimistic locking conflict.
func (d Datasource) UpdateVehicleStatus(ctx context.Context, id string, status model.VehicleStatus, version int64) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gare.vehicles
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE vehicle_id = $1 AND version = $3
	`, id, status, version)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update vehicle status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Optimistic locking failure: vehicle with ID '%s' may have been updated or deleted by another writer", id), nil)
	}

	return nil
}

// ReserveSeats takes seats from a vehicle in one conditional update. The
// decrement only applies while the vehicle is loading and holds enough free
// seats, so two bookings racing for the last seat cannot both win. Draining
// the final seat flips the vehicle to full in the same statement.
//
// Parameters:
// - ctx: The context for the database operation.
// - vehicleID: The vehicle to take seats from.
// - seats: How many seats to take. Must be positive.
//
// Returns:
// - *model.Vehicle: The vehicle state after the decrement.
// - error: A CONFLICT APIError carrying ReasonInsufficientSeats when the vehicle cannot cover the request.
func (d Datasource) ReserveSeats(ctx context.Context, vehicleID string, seats int) (*model.Vehicle, error) {
	if seats <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Seat count must be positive", nil)
	}

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE gare.vehicles
		SET available_seats = available_seats - $2,
		    status = CASE WHEN available_seats - $2 = 0 THEN 'full' ELSE status END,
		    version = version + 1,
		    updated_at = NOW()
		WHERE vehicle_id = $1 AND status = 'loading' AND available_seats >= $2
		RETURNING `+vehicleColumns+`
	`, vehicleID, seats)

	vehicle, err := scanVehicle(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Vehicle '%s' cannot cover %d seat(s)", vehicleID, seats), apierror.ReasonInsufficientSeats)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve seats", err)
	}

	return vehicle, nil
}

// ReleaseSeats returns previously reserved seats to a vehicle, for example
// when a booking is cancelled or a multi-vehicle reservation fails partway.
// A full vehicle that regains a seat goes back to loading. The update refuses
// to push available seats past capacity.
//
// Parameters:
// - ctx: The context for the database operation.
// - vehicleID: The vehicle to return seats to.
// - seats: How many seats to return. Must be positive.
//
// Returns:
// - error: An error if the release fails or would exceed the vehicle's capacity.
func (d Datasource) ReleaseSeats(ctx context.Context, vehicleID string, seats int) error {
	if seats <= 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Seat count must be positive", nil)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gare.vehicles
		SET available_seats = available_seats + $2,
		    status = CASE WHEN status = 'full' THEN 'loading' ELSE status END,
		    version = version + 1,
		    updated_at = NOW()
		WHERE vehicle_id = $1 AND available_seats + $2 <= capacity
	`, vehicleID, seats)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release seats", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Releasing %d seat(s) on vehicle '%s' would exceed its capacity", seats, vehicleID), nil)
	}

	return nil
}

// UpdateQueuePositions rewrites the queue ranks of a destination's vehicles
// in a single transaction so readers never observe a half-applied shuffle.
// Vehicles absent from positions keep their current rank.
//
// Parameters:
// - ctx: The context to manage the lifecycle of the transaction.
// - destinationID: The destination whose queue is being reordered.
// - positions: A map of vehicle ID to its new queue position.
//
// Returns:
// - error: Returns an error if any vehicle in the map does not belong to the destination or the transaction fails.
func (d Datasource) UpdateQueuePositions(ctx context.Context, destinationID string, positions map[string]int) error {
	if len(positions) == 0 {
		return nil
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for vehicleID, position := range positions {
		result, err := tx.ExecContext(ctx, `
			UPDATE gare.vehicles
			SET queue_position = $3, version = version + 1, updated_at = NOW()
			WHERE vehicle_id = $1 AND destination_id = $2
		`, vehicleID, destinationID, position)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update queue position", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
		}
		if rowsAffected == 0 {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Vehicle '%s' is not queued for destination '%s'", vehicleID, destinationID), nil)
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}

	return nil
}

// UpsertVehicleFromSync applies a vehicle received from the central server.
// The write lands only when the incoming version is strictly newer than the
// stored one, so replayed or out-of-order sync messages are dropped harmlessly.
//
// Parameters:
// - ctx: The context for the database operation.
// - vehicle: The vehicle state as reported by the central server.
//
// Returns:
// - bool: True when the row was inserted or updated, false when the incoming version was stale.
// - error: An error if the upsert fails.
func (d Datasource) UpsertVehicleFromSync(ctx context.Context, vehicle *model.Vehicle) (bool, error) {
	metaDataJSON, err := json.Marshal(vehicle.MetaData)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	if vehicle.CreatedAt.IsZero() {
		vehicle.CreatedAt = time.Now()
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO gare.vehicles (vehicle_id, destination_id, plate_number, driver_name, capacity, available_seats, queue_position, status, version, created_at, updated_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
		ON CONFLICT (vehicle_id) DO UPDATE
		SET destination_id = EXCLUDED.destination_id,
		    plate_number = EXCLUDED.plate_number,
		    driver_name = EXCLUDED.driver_name,
		    capacity = EXCLUDED.capacity,
		    available_seats = EXCLUDED.available_seats,
		    queue_position = EXCLUDED.queue_position,
		    status = EXCLUDED.status,
		    version = EXCLUDED.version,
		    updated_at = NOW(),
		    meta_data = EXCLUDED.meta_data
		WHERE gare.vehicles.version < EXCLUDED.version
	`, vehicle.VehicleID, vehicle.DestinationID, vehicle.PlateNumber, vehicle.DriverName, vehicle.Capacity, vehicle.AvailableSeats, vehicle.QueuePosition, vehicle.Status, vehicle.Version, vehicle.CreatedAt, metaDataJSON)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert vehicle from sync", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	return rowsAffected > 0, nil
}

// DeleteVehicle removes a vehicle from the station's local state, typically
// on a sync delete from the central server after a reassignment.
//
// Parameters:
// - ctx: The context for the database operation.
// - id: The ID of the vehicle to delete.
//
// Returns:
// - error: Returns an APIError if the vehicle is not found or the delete fails.
func (d Datasource) DeleteVehicle(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM gare.vehicles WHERE vehicle_id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete vehicle", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Vehicle with ID '%s' not found", id), nil)
	}

	return nil
}
