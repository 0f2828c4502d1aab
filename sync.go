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

package gare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

// SyncDispatcher delivers one journaled operation to the central server and
// waits for its acknowledgment. An error leaves the task queued for retry,
// which is what carries the queued-while-disconnected semantics.
type SyncDispatcher func(ctx context.Context, syncOp *model.SyncOperation) error

var (
	syncDispatcherMu sync.RWMutex
	syncDispatcher   SyncDispatcher
)

// RegisterSyncDispatcher installs the delivery function the sync workers
// use. The central link registers itself here at startup; a station running
// standalone leaves it unset and journaled changes stay queued.
func RegisterSyncDispatcher(dispatcher SyncDispatcher) {
	syncDispatcherMu.Lock()
	defer syncDispatcherMu.Unlock()
	syncDispatcher = dispatcher
}

func currentSyncDispatcher() SyncDispatcher {
	syncDispatcherMu.RLock()
	defer syncDispatcherMu.RUnlock()
	return syncDispatcher
}

// JournalSync records an entity change for upstream propagation and enqueues
// it. The journal write comes first: a crash between the two leaves a
// pending row that FlushPendingSync picks up, so an acknowledged local
// mutation can never silently skip the central server.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - entityType model.EntityType: The changed entity's type.
// - entityID string: The changed entity's id.
// - action model.SyncAction: The change kind.
// - payload json.RawMessage: The serialized entity, nil for deletions.
// - version int64: The entity version, zero when unversioned.
//
// Returns:
// - error: An error if the journal write fails.
func (l *Gare) JournalSync(ctx context.Context, entityType model.EntityType, entityID string, action model.SyncAction, payload json.RawMessage, version int64) error {
	syncOp := &model.SyncOperation{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		Version:    version,
	}
	if len(payload) > 0 {
		syncOp.Checksum = model.PayloadChecksum(payload)
	}
	if err := l.datasource.RecordSyncOperation(ctx, syncOp); err != nil {
		return err
	}
	if err := l.queue.EnqueueSync(ctx, syncOp); err != nil {
		logrus.Warnf("failed to enqueue sync %s, flush will retry it: %v", syncOp.SyncID, err)
	}
	return nil
}

// FlushPendingSync re-enqueues journaled changes that never reached the
// queue. Runs at startup and whenever the central link authenticates; the
// task id dedupe makes re-enqueueing an already queued operation harmless.
//
// Parameters:
// - ctx context.Context: The context for the operation.
//
// Returns:
// - int: The number of operations enqueued.
// - error: An error if the journal could not be read.
func (l *Gare) FlushPendingSync(ctx context.Context) (int, error) {
	pending, err := l.datasource.GetPendingSyncOperations(ctx, 100)
	if err != nil {
		return 0, err
	}
	flushed := 0
	for _, syncOp := range pending {
		if err := l.queue.EnqueueSync(ctx, syncOp); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			logrus.Warnf("failed to flush sync %s: %v", syncOp.SyncID, err)
			continue
		}
		flushed++
	}
	if flushed > 0 {
		logrus.Infof("flushed %d pending sync operations", flushed)
	}
	return flushed, nil
}

// ProcessSync delivers one queued sync operation through the registered
// dispatcher. Returning an error keeps the task queued, so sync traffic
// accumulates while the central server is unreachable and drains once the
// link is back.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the sync operation.
//
// Returns:
// - error: An error if delivery failed and the task should be retried.
func (l *Gare) ProcessSync(ctx context.Context, task *asynq.Task) error {
	var syncOp model.SyncOperation
	if err := json.Unmarshal(task.Payload(), &syncOp); err != nil {
		logrus.Errorf("error unmarshaling sync payload: %v", err)
		return err
	}

	dispatcher := currentSyncDispatcher()
	if dispatcher == nil {
		return fmt.Errorf("no sync dispatcher registered, leaving %s queued", syncOp.SyncID)
	}
	if err := dispatcher(ctx, &syncOp); err != nil {
		return err
	}
	if err := l.datasource.UpdateSyncOperationStatus(ctx, syncOp.SyncID, model.SyncApplied); err != nil {
		logrus.Errorf("failed to mark sync %s applied: %v", syncOp.SyncID, err)
	}
	return nil
}

// ApplyCentralSync applies one inbound message from the central server and
// builds its acknowledgment. Stale updates are dropped by the version checks
// in the store and the snapshot layer; they still acknowledge success so the
// central server does not resend them.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - envelope *model.Envelope: The inbound message.
//
// Returns:
// - *model.AckPayload: The acknowledgment to send back.
func (l *Gare) ApplyCentralSync(ctx context.Context, envelope *model.Envelope) *model.AckPayload {
	ack := &model.AckPayload{MessageID: envelope.MessageID, OK: true}

	fail := func(err error) *model.AckPayload {
		logrus.Errorf("failed to apply central sync %s: %v", envelope.Type, err)
		ack.OK = false
		ack.Error = err.Error()
		return ack
	}

	switch envelope.Type {
	case model.MsgVehicleSyncFull:
		var vehicles []*model.Vehicle
		if err := json.Unmarshal(envelope.Payload, &vehicles); err != nil {
			return fail(err)
		}
		for _, vehicle := range vehicles {
			if _, err := l.applyVehicleSync(ctx, vehicle); err != nil {
				return fail(err)
			}
		}
	case model.MsgVehicleSyncUpdate:
		var vehicle model.Vehicle
		if err := json.Unmarshal(envelope.Payload, &vehicle); err != nil {
			return fail(err)
		}
		if _, err := l.applyVehicleSync(ctx, &vehicle); err != nil {
			return fail(err)
		}
	case model.MsgVehicleSyncDelete:
		var deletion struct {
			VehicleID string `json:"vehicle_id"`
			Version   int64  `json:"version"`
		}
		if err := json.Unmarshal(envelope.Payload, &deletion); err != nil {
			return fail(err)
		}
		if err := l.applyVehicleDelete(ctx, deletion.VehicleID, deletion.Version); err != nil {
			return fail(err)
		}
	case model.MsgInstantSync:
		var syncOp model.SyncOperation
		if err := json.Unmarshal(envelope.Payload, &syncOp); err != nil {
			return fail(err)
		}
		if err := l.applyInstantSync(ctx, &syncOp); err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("unsupported sync message type '%s'", envelope.Type))
	}
	return ack
}

// applyVehicleSync lands an inbound vehicle in the store and snapshot layer.
// The store upsert only applies strictly newer versions, so replayed or
// out-of-order sync traffic cannot regress local state.
func (l *Gare) applyVehicleSync(ctx context.Context, vehicle *model.Vehicle) (bool, error) {
	if vehicle == nil || vehicle.VehicleID == "" {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Synced vehicle requires an id", nil)
	}
	applied, err := l.datasource.UpsertVehicleFromSync(ctx, vehicle)
	if err != nil {
		return false, err
	}
	if !applied {
		logrus.Debugf("dropping stale vehicle sync for %s (version %d)", vehicle.VehicleID, vehicle.Version)
		return false, nil
	}
	payload, err := json.Marshal(vehicle)
	if err != nil {
		return true, err
	}
	if _, err := l.snapshots.Apply(ctx, &model.EntitySnapshot{
		EntityType: model.EntityVehicle,
		EntityID:   vehicle.VehicleID,
		Payload:    payload,
		Version:    vehicle.Version,
	}); err != nil {
		logrus.Errorf("failed to snapshot synced vehicle %s: %v", vehicle.VehicleID, err)
	}
	return true, nil
}

func (l *Gare) applyVehicleDelete(ctx context.Context, vehicleID string, version int64) error {
	if vehicleID == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Vehicle deletion requires an id", nil)
	}
	if err := l.datasource.DeleteVehicle(ctx, vehicleID); err != nil {
		if apierror.Code(err) != apierror.ErrNotFound {
			return err
		}
	}
	if _, err := l.snapshots.Delete(ctx, model.EntityVehicle, vehicleID, version); err != nil {
		logrus.Errorf("failed to drop snapshot for synced vehicle %s: %v", vehicleID, err)
	}
	return nil
}

// applyInstantSync lands one instant sync record. Vehicles flow through the
// store; every other entity type is snapshot-only on this node.
func (l *Gare) applyInstantSync(ctx context.Context, syncOp *model.SyncOperation) error {
	if !model.KnownEntityType(syncOp.EntityType) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown entity type '%s'", syncOp.EntityType), nil)
	}

	if syncOp.EntityType == model.EntityVehicle {
		switch syncOp.Action {
		case model.SyncDelete:
			return l.applyVehicleDelete(ctx, syncOp.EntityID, syncOp.Version)
		default:
			var vehicle model.Vehicle
			if err := json.Unmarshal(syncOp.Payload, &vehicle); err != nil {
				return err
			}
			_, err := l.applyVehicleSync(ctx, &vehicle)
			return err
		}
	}

	if syncOp.EntityType == model.EntityDestination && syncOp.Action != model.SyncDelete {
		if err := l.applyDestinationSync(ctx, syncOp); err != nil {
			return err
		}
	}

	if syncOp.Action == model.SyncDelete {
		_, err := l.snapshots.Delete(ctx, syncOp.EntityType, syncOp.EntityID, syncOp.Version)
		return err
	}
	_, err := l.snapshots.Apply(ctx, &model.EntitySnapshot{
		EntityType: syncOp.EntityType,
		EntityID:   syncOp.EntityID,
		Payload:    syncOp.Payload,
		Version:    syncOp.Version,
		Checksum:   syncOp.Checksum,
	})
	return err
}

// applyDestinationSync lands an inbound destination in the store. Fares and
// route details are owned by the central server, so the row carries the
// central version and only strictly newer copies are applied.
func (l *Gare) applyDestinationSync(ctx context.Context, syncOp *model.SyncOperation) error {
	var destination model.Destination
	if err := json.Unmarshal(syncOp.Payload, &destination); err != nil {
		return err
	}
	if destination.DestinationID == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Synced destination requires an id", nil)
	}
	if destination.Version == 0 {
		destination.Version = syncOp.Version
	}

	applied, err := l.datasource.UpsertDestinationFromSync(ctx, &destination)
	if err != nil {
		return err
	}
	if !applied {
		logrus.Debugf("dropping stale destination sync for %s (version %d)", destination.DestinationID, destination.Version)
	}
	return nil
}
