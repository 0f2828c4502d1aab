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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/database"
	"github.com/garehq/gare/internal/apierror"
	redis_db "github.com/garehq/gare/internal/redis-db"
	"github.com/garehq/gare/model"
)

// Gare represents the main struct for a station node. It owns the resource
// coordinator, the snapshot store, the event bus and the task queue, and is
// the single handle the gateway, API and workers operate through.
type Gare struct {
	queue       *Queue
	redis       redis.UniversalClient
	datasource  database.IDataSource
	coordinator *Coordinator
	snapshots   *SnapshotStore
	events      *EventBus
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewGare initializes a new station instance with the provided datasource.
// It fetches the configuration and wires the Redis client, event bus, task
// queue, snapshot store and resource coordinator together.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Gare: A pointer to the newly created Gare instance.
// - error: An error if any of the initialization steps fail.
func NewGare(db database.IDataSource) (*Gare, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	newBus := NewEventBus(configuration.Realtime.QueueDepth)

	newGare := &Gare{datasource: db, queue: newQueue, redis: redisClient.Client(), events: newBus}
	newGare.snapshots = NewSnapshotStore(configuration, newBus)
	newGare.coordinator = NewCoordinator(redisClient.Client(), configuration, newBus, newGare.applyOperation)
	return newGare, nil
}

// Start launches the background sweeps of the coordinator and the snapshot
// store. They run until ctx is cancelled.
func (l *Gare) Start(ctx context.Context) {
	l.coordinator.Start(ctx)
	l.snapshots.Start(ctx)
}

// Coordinator returns the resource coordinator.
func (l *Gare) Coordinator() *Coordinator {
	return l.coordinator
}

// Snapshots returns the snapshot store.
func (l *Gare) Snapshots() *SnapshotStore {
	return l.snapshots
}

// Events returns the internal event bus.
func (l *Gare) Events() *EventBus {
	return l.events
}

// Queue returns the task queue.
func (l *Gare) Queue() *Queue {
	return l.queue
}

// SubmitOperation validates, decodes and submits a client operation to the
// coordinator.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - req model.ResourceOperationPayload: The raw operation from the wire.
// - requesterID string: The submitting client's id.
//
// Returns:
// - *SubmitResult: The submission outcome.
// - error: An error if validation or submission fails.
func (l *Gare) SubmitOperation(ctx context.Context, req model.ResourceOperationPayload, requesterID string) (*SubmitResult, error) {
	payload, err := model.DecodeOperationPayload(req.Kind, req.Data)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Invalid payload for operation kind '%s'", req.Kind), err.Error())
	}
	op := &model.Operation{
		OperationID: req.OperationID,
		Kind:        req.Kind,
		ResourceID:  req.ResourceID,
		RequesterID: requesterID,
		Payload:     payload,
		Priority:    req.Priority,
	}
	return l.coordinator.Submit(ctx, op)
}

// GetOperation returns an active or recently finished operation by id.
func (l *Gare) GetOperation(operationID string) (*model.Operation, error) {
	return l.coordinator.GetOperation(operationID)
}

// applyOperation executes one operation against the store. It runs under the
// coordinator's resource lock, so at most one apply is in progress for a
// given resource id at a time; the conditional updates inside the datasource
// remain the final authority on every seat count.
func (l *Gare) applyOperation(ctx context.Context, op *model.Operation) (interface{}, error) {
	switch payload := op.Payload.(type) {
	case model.BookingPayload:
		return l.applyBooking(ctx, op, payload)
	case model.SeatAssignmentPayload:
		return l.applySeatAssignment(ctx, op, payload)
	case model.VehicleStatusPayload:
		return l.applyVehicleStatus(ctx, op, payload)
	case model.PaymentPayload:
		return l.applyPayment(ctx, op, payload)
	case model.QueueUpdatePayload:
		return l.applyQueueUpdate(ctx, op, payload)
	}
	return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unsupported operation kind '%s'", op.Kind), nil)
}
