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
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

func TestJournalSyncRecordsThenEnqueues(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	payload := json.RawMessage(`{"vehicle_id":"veh_1","available_seats":3}`)

	var syncID string
	datasource.On("RecordSyncOperation", mock.Anything, mock.AnythingOfType("*model.SyncOperation")).
		Run(func(args mock.Arguments) {
			op := args.Get(1).(*model.SyncOperation)
			op.SyncID = model.GenerateUUIDWithSuffix("sync")
			syncID = op.SyncID
		}).Return(nil)

	err = g.JournalSync(ctx, model.EntityVehicle, "veh_1", model.SyncUpdate, payload, 3)
	assert.NoError(t, err)

	queued, err := g.Queue().GetSyncFromQueue(syncID)
	assert.NoError(t, err)
	assert.NotNil(t, queued)
	assert.Equal(t, model.EntityVehicle, queued.EntityType)
	assert.Equal(t, "veh_1", queued.EntityID)
	assert.Equal(t, int64(3), queued.Version)
	assert.Equal(t, model.PayloadChecksum(payload), queued.Checksum)

	datasource.AssertExpectations(t)
}

func TestJournalSyncFailsWhenJournalWriteFails(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	datasource.On("RecordSyncOperation", mock.Anything, mock.AnythingOfType("*model.SyncOperation")).
		Return(errors.New("connection reset"))

	err = g.JournalSync(context.Background(), model.EntityBooking, "bkg_1", model.SyncCreate, json.RawMessage(`{}`), 0)
	assert.Error(t, err)
	datasource.AssertExpectations(t)
}

func TestProcessSyncDeliversThroughDispatcher(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	var delivered *model.SyncOperation
	RegisterSyncDispatcher(func(ctx context.Context, syncOp *model.SyncOperation) error {
		delivered = syncOp
		return nil
	})
	defer RegisterSyncDispatcher(nil)

	datasource.On("UpdateSyncOperationStatus", mock.Anything, "sync_1", model.SyncApplied).Return(nil)

	syncOp := &model.SyncOperation{
		SyncID:     "sync_1",
		EntityType: model.EntityVehicle,
		EntityID:   "veh_1",
		Action:     model.SyncUpdate,
		Version:    2,
	}
	payload, err := json.Marshal(syncOp)
	assert.NoError(t, err)

	err = g.ProcessSync(context.Background(), asynq.NewTask("new:sync", payload))
	assert.NoError(t, err)
	assert.NotNil(t, delivered)
	assert.Equal(t, "sync_1", delivered.SyncID)
	assert.Equal(t, "veh_1", delivered.EntityID)

	datasource.AssertExpectations(t)
}

func TestProcessSyncKeepsTaskQueuedOnFailure(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	RegisterSyncDispatcher(func(ctx context.Context, syncOp *model.SyncOperation) error {
		return errors.New("central server unreachable")
	})
	defer RegisterSyncDispatcher(nil)

	payload, err := json.Marshal(&model.SyncOperation{SyncID: "sync_2", EntityType: model.EntityBooking, EntityID: "bkg_1", Action: model.SyncCreate})
	assert.NoError(t, err)

	err = g.ProcessSync(context.Background(), asynq.NewTask("new:sync", payload))
	assert.Error(t, err)

	// A failed delivery must not be marked applied; the retry delivers it.
	datasource.AssertNotCalled(t, "UpdateSyncOperationStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessSyncWithoutDispatcher(t *testing.T) {
	g, _, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	RegisterSyncDispatcher(nil)

	payload, err := json.Marshal(&model.SyncOperation{SyncID: "sync_3", EntityType: model.EntityBooking, EntityID: "bkg_1", Action: model.SyncCreate})
	assert.NoError(t, err)

	err = g.ProcessSync(context.Background(), asynq.NewTask("new:sync", payload))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no sync dispatcher registered")
}

func TestFlushPendingSyncSkipsAlreadyQueued(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	pending := []*model.SyncOperation{
		{SyncID: "sync_a", EntityType: model.EntityBooking, EntityID: "bkg_1", Action: model.SyncCreate},
		{SyncID: "sync_b", EntityType: model.EntityBooking, EntityID: "bkg_2", Action: model.SyncCreate},
	}
	datasource.On("GetPendingSyncOperations", mock.Anything, 100).Return(pending, nil)

	flushed, err := g.FlushPendingSync(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, flushed)

	// A second flush sees the same journal rows but they are already queued
	// under their task ids, so nothing is re-enqueued.
	flushed, err = g.FlushPendingSync(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, flushed)

	datasource.AssertExpectations(t)
}

func TestApplyCentralSyncVehicleUpdate(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	datasource.On("UpsertVehicleFromSync", mock.Anything, mock.MatchedBy(func(v *model.Vehicle) bool {
		return v.VehicleID == "veh_9" && v.Version == 4
	})).Return(true, nil)
	datasource.On("UpsertVehicleFromSync", mock.Anything, mock.MatchedBy(func(v *model.Vehicle) bool {
		return v.VehicleID == "veh_9" && v.Version == 2
	})).Return(false, nil)

	fresh := model.NewEnvelope(model.MsgVehicleSyncUpdate, json.RawMessage(`{"vehicle_id":"veh_9","destination_id":"dst_1","available_seats":5,"version":4}`))
	fresh.MessageID = "msg_1"
	ack := g.ApplyCentralSync(ctx, fresh)
	assert.True(t, ack.OK)
	assert.Equal(t, "msg_1", ack.MessageID)

	snap, err := g.Snapshots().Get(ctx, model.EntityVehicle, "veh_9")
	assert.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)

	// A replayed older copy is dropped but still acknowledged, so the
	// central server does not resend it.
	stale := model.NewEnvelope(model.MsgVehicleSyncUpdate, json.RawMessage(`{"vehicle_id":"veh_9","destination_id":"dst_1","available_seats":9,"version":2}`))
	stale.MessageID = "msg_2"
	ack = g.ApplyCentralSync(ctx, stale)
	assert.True(t, ack.OK)

	snap, err = g.Snapshots().Get(ctx, model.EntityVehicle, "veh_9")
	assert.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)

	datasource.AssertExpectations(t)
}

func TestApplyCentralSyncVehicleDelete(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	datasource.On("UpsertVehicleFromSync", mock.Anything, mock.AnythingOfType("*model.Vehicle")).Return(true, nil)
	datasource.On("DeleteVehicle", mock.Anything, "veh_9").Return(nil)

	update := model.NewEnvelope(model.MsgVehicleSyncUpdate, json.RawMessage(`{"vehicle_id":"veh_9","version":4}`))
	ack := g.ApplyCentralSync(ctx, update)
	assert.True(t, ack.OK)

	deletion := model.NewEnvelope(model.MsgVehicleSyncDelete, json.RawMessage(`{"vehicle_id":"veh_9","version":5}`))
	ack = g.ApplyCentralSync(ctx, deletion)
	assert.True(t, ack.OK)

	_, err = g.Snapshots().Get(ctx, model.EntityVehicle, "veh_9")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrNotFound, apierror.Code(err))

	datasource.AssertExpectations(t)
}

func TestApplyCentralSyncCreatesUnknownDestination(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	datasource.On("UpsertDestinationFromSync", mock.Anything, mock.MatchedBy(func(d *model.Destination) bool {
		// The row carries the central server's version, not a local counter.
		return d.DestinationID == "dst_7" && d.Name == "Bouake" && d.Version == 2
	})).Return(true, nil)

	syncOp := model.SyncOperation{
		SyncID:     "sync_d1",
		EntityType: model.EntityDestination,
		EntityID:   "dst_7",
		Action:     model.SyncUpdate,
		Payload:    json.RawMessage(`{"destination_id":"dst_7","name":"Bouake","fare":"1500","currency":"XOF","active":true,"version":2}`),
		Version:    2,
	}
	payload, err := json.Marshal(syncOp)
	assert.NoError(t, err)

	envelope := model.NewEnvelope(model.MsgInstantSync, payload)
	ack := g.ApplyCentralSync(ctx, envelope)
	assert.True(t, ack.OK)

	snap, err := g.Snapshots().Get(ctx, model.EntityDestination, "dst_7")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)

	datasource.AssertExpectations(t)
}

func TestApplyCentralSyncDropsStaleDestination(t *testing.T) {
	g, datasource, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	ctx := context.Background()
	datasource.On("UpsertDestinationFromSync", mock.Anything, mock.MatchedBy(func(d *model.Destination) bool {
		return d.DestinationID == "dst_7" && d.Version == 5
	})).Return(true, nil)
	datasource.On("UpsertDestinationFromSync", mock.Anything, mock.MatchedBy(func(d *model.Destination) bool {
		return d.DestinationID == "dst_7" && d.Version == 3
	})).Return(false, nil)

	fresh := model.SyncOperation{
		SyncID:     "sync_d2",
		EntityType: model.EntityDestination,
		EntityID:   "dst_7",
		Action:     model.SyncUpdate,
		Payload:    json.RawMessage(`{"destination_id":"dst_7","name":"Bouake","version":5}`),
		Version:    5,
	}
	payload, err := json.Marshal(fresh)
	assert.NoError(t, err)
	ack := g.ApplyCentralSync(ctx, model.NewEnvelope(model.MsgInstantSync, payload))
	assert.True(t, ack.OK)

	// A replayed older copy is dropped by both the store and the snapshot
	// layer but still acknowledged.
	stale := model.SyncOperation{
		SyncID:     "sync_d3",
		EntityType: model.EntityDestination,
		EntityID:   "dst_7",
		Action:     model.SyncUpdate,
		Payload:    json.RawMessage(`{"destination_id":"dst_7","name":"Bouake (old)","version":3}`),
		Version:    3,
	}
	payload, err = json.Marshal(stale)
	assert.NoError(t, err)
	ack = g.ApplyCentralSync(ctx, model.NewEnvelope(model.MsgInstantSync, payload))
	assert.True(t, ack.OK)

	snap, err := g.Snapshots().Get(ctx, model.EntityDestination, "dst_7")
	assert.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)

	datasource.AssertExpectations(t)
}

func TestApplyCentralSyncRejectsUnknownMessage(t *testing.T) {
	g, _, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	envelope := model.NewEnvelope(model.MsgStationAuth, json.RawMessage(`{}`))
	envelope.MessageID = "msg_9"
	ack := g.ApplyCentralSync(context.Background(), envelope)
	assert.False(t, ack.OK)
	assert.Equal(t, "msg_9", ack.MessageID)
	assert.Contains(t, ack.Error, "unsupported sync message type")
}
