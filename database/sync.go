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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

// RecordSyncOperation journals an outbound change for delivery to the central
// server. Entries survive restarts and link outages; the flusher drains them
// once the link is authenticated.
func (d Datasource) RecordSyncOperation(ctx context.Context, op *model.SyncOperation) error {
	if op.SyncID == "" {
		op.SyncID = model.GenerateUUIDWithSuffix("sync")
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.Status == "" {
		op.Status = model.SyncPending
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO gare.sync_journal (sync_id, entity_type, entity_id, action, payload, version, checksum, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, op.SyncID, op.EntityType, op.EntityID, op.Action, []byte(op.Payload), op.Version, op.Checksum, op.Status, op.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record sync operation", err)
	}

	return nil
}

// UpdateSyncOperationStatus moves a journal entry to a new status once the
// central server has acknowledged or rejected it.
func (d Datasource) UpdateSyncOperationStatus(ctx context.Context, syncID string, status model.SyncStatus) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gare.sync_journal
		SET status = $2
		WHERE sync_id = $1
	`, syncID, status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update sync operation status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Sync operation with ID '%s' not found", syncID), nil)
	}

	return nil
}

// GetPendingSyncOperations retrieves unacknowledged journal entries, oldest
// first, up to limit. The flusher calls this each drain tick.
func (d Datasource) GetPendingSyncOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT sync_id, entity_type, entity_id, action, payload, version, checksum, status, created_at
		FROM gare.sync_journal
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending sync operations", err)
	}
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(rows)

	var ops []*model.SyncOperation
	for rows.Next() {
		op := model.SyncOperation{}
		var payload []byte

		err = rows.Scan(
			&op.SyncID,
			&op.EntityType,
			&op.EntityID,
			&op.Action,
			&payload,
			&op.Version,
			&op.Checksum,
			&op.Status,
			&op.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sync operation", err)
		}

		op.Payload = payload
		ops = append(ops, &op)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over sync operations", err)
	}

	return ops, nil
}

// GetSyncOperation retrieves a journal entry by its unique ID.
func (d Datasource) GetSyncOperation(ctx context.Context, syncID string) (*model.SyncOperation, error) {
	op := model.SyncOperation{}
	var payload []byte

	row := d.Conn.QueryRowContext(ctx, `
		SELECT sync_id, entity_type, entity_id, action, payload, version, checksum, status, created_at
		FROM gare.sync_journal
		WHERE sync_id = $1
	`, syncID)

	err := row.Scan(
		&op.SyncID,
		&op.EntityType,
		&op.EntityID,
		&op.Action,
		&payload,
		&op.Version,
		&op.Checksum,
		&op.Status,
		&op.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Sync operation with ID '%s' not found", syncID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sync operation", err)
	}

	op.Payload = payload
	return &op, nil
}
