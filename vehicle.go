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
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/internal/notification"
	"github.com/garehq/gare/model"
)

// applySeatAssignment pins named seat codes on a vehicle. The store's unique
// constraint on (vehicle, seat code) makes racing assignments first-wins.
func (l *Gare) applySeatAssignment(ctx context.Context, op *model.Operation, payload model.SeatAssignmentPayload) (interface{}, error) {
	cxt, span := tracer.Start(ctx, "Assigning seats")
	defer span.End()

	if payload.VehicleID == "" || len(payload.SeatCodes) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Seat assignment requires a vehicle id and seat codes", nil)
	}

	assignments := make([]model.SeatAssignment, 0, len(payload.SeatCodes))
	for _, code := range payload.SeatCodes {
		assignments = append(assignments, model.SeatAssignment{
			VehicleID: payload.VehicleID,
			SeatCode:  code,
			Passenger: payload.Passenger,
		})
	}
	if err := l.datasource.AssignSeats(cxt, assignments); err != nil {
		return nil, err
	}
	span.AddEvent("Seats assigned")

	l.postVehicleActions(ctx, payload.VehicleID, model.SyncUpdate)
	return assignments, nil
}

// applyVehicleStatus applies a status change to a vehicle. Racing status
// writes are last-wins at the coordinator; the version check here only
// protects against writers outside the coordinator, such as inbound sync.
func (l *Gare) applyVehicleStatus(ctx context.Context, op *model.Operation, payload model.VehicleStatusPayload) (interface{}, error) {
	cxt, span := tracer.Start(ctx, "Updating vehicle status")
	defer span.End()

	vehicle, err := l.datasource.GetVehicle(cxt, op.ResourceID)
	if err != nil {
		return nil, err
	}
	if err := l.datasource.UpdateVehicleStatus(cxt, vehicle.VehicleID, payload.Status, vehicle.Version); err != nil {
		return nil, err
	}
	span.AddEvent("Status updated")

	refreshed := l.postVehicleActions(ctx, vehicle.VehicleID, model.SyncUpdate)
	if payload.Status == model.VehicleDeparted {
		if err := l.queue.CancelDeparture(vehicle.VehicleID); err != nil {
			logrus.Errorf("failed to cancel scheduled departure for %s: %v", vehicle.VehicleID, err)
		}
		l.events.Publish(VehicleDeparted{VehicleID: vehicle.VehicleID, DestinationID: vehicle.DestinationID})
		l.rerankDestinationQueue(ctx, vehicle.DestinationID)
	}
	if refreshed != nil {
		return refreshed, nil
	}
	return vehicle, nil
}

// applyQueueUpdate rewrites queue positions for a destination. The newest
// picture of the yard wins; the resource id is the destination.
func (l *Gare) applyQueueUpdate(ctx context.Context, op *model.Operation, payload model.QueueUpdatePayload) (interface{}, error) {
	cxt, span := tracer.Start(ctx, "Reordering vehicle queue")
	defer span.End()

	if len(payload.Positions) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Queue update requires at least one position", nil)
	}
	if err := l.datasource.UpdateQueuePositions(cxt, op.ResourceID, payload.Positions); err != nil {
		return nil, err
	}
	span.AddEvent("Queue reordered")

	for vehicleID := range payload.Positions {
		l.postVehicleActions(ctx, vehicleID, model.SyncUpdate)
	}
	return payload.Positions, nil
}

// RegisterVehicle adds a vehicle to its destination's loading queue. A
// vehicle without an explicit position joins the back of the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - vehicle model.Vehicle: The vehicle to register.
//
// Returns:
// - model.Vehicle: The created vehicle.
// - error: An error if the destination is unknown or the plate is taken.
func (l *Gare) RegisterVehicle(ctx context.Context, vehicle model.Vehicle) (model.Vehicle, error) {
	cxt, span := tracer.Start(ctx, "Registering vehicle")
	defer span.End()

	if _, err := l.datasource.GetDestination(cxt, vehicle.DestinationID); err != nil {
		return model.Vehicle{}, err
	}
	if vehicle.QueuePosition <= 0 {
		queued, err := l.datasource.GetBoardableVehicles(cxt, vehicle.DestinationID)
		if err != nil {
			return model.Vehicle{}, err
		}
		vehicle.QueuePosition = len(queued) + 1
	}

	created, err := l.datasource.CreateVehicle(cxt, vehicle)
	if err != nil {
		return model.Vehicle{}, err
	}
	span.AddEvent("Vehicle registered")

	l.postVehicleActions(ctx, created.VehicleID, model.SyncCreate)
	return created, nil
}

// RemoveVehicle takes a vehicle out of service and broadcasts its removal.
func (l *Gare) RemoveVehicle(ctx context.Context, vehicleID string) error {
	cxt, span := tracer.Start(ctx, "Removing vehicle")
	defer span.End()

	vehicle, err := l.datasource.GetVehicle(cxt, vehicleID)
	if err != nil {
		return err
	}
	if err := l.datasource.DeleteVehicle(cxt, vehicleID); err != nil {
		return err
	}
	if err := l.queue.CancelDeparture(vehicleID); err != nil {
		logrus.Errorf("failed to cancel scheduled departure for %s: %v", vehicleID, err)
	}
	if _, err := l.snapshots.Delete(ctx, model.EntityVehicle, vehicleID, vehicle.Version+1); err != nil {
		logrus.Errorf("failed to drop snapshot for vehicle %s: %v", vehicleID, err)
	}
	if err := l.JournalSync(ctx, model.EntityVehicle, vehicleID, model.SyncDelete, nil, vehicle.Version+1); err != nil {
		logrus.Errorf("failed to journal vehicle removal %s: %v", vehicleID, err)
	}
	l.rerankDestinationQueue(ctx, vehicle.DestinationID)
	return nil
}

// ProcessDeparture finalizes a scheduled vehicle departure from the task
// queue. A vehicle that reopened for boarding before the grace period
// elapsed is left alone.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the departure payload.
//
// Returns:
// - error: An error if the departure could not be finalized.
func (l *Gare) ProcessDeparture(ctx context.Context, task *asynq.Task) error {
	var payload DeparturePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("error unmarshaling departure payload: %v", err)
		return err
	}

	vehicle, err := l.datasource.GetVehicle(ctx, payload.VehicleID)
	if err != nil {
		if apierror.Code(err) == apierror.ErrNotFound {
			return nil
		}
		return err
	}
	if vehicle.Status != model.VehicleFull {
		logrus.Infof("vehicle %s is no longer full, skipping departure", vehicle.VehicleID)
		return nil
	}

	if err := l.datasource.UpdateVehicleStatus(ctx, vehicle.VehicleID, model.VehicleDeparted, vehicle.Version); err != nil {
		return err
	}
	l.postVehicleActions(ctx, vehicle.VehicleID, model.SyncUpdate)
	l.events.Publish(VehicleDeparted{VehicleID: vehicle.VehicleID, DestinationID: vehicle.DestinationID})
	l.rerankDestinationQueue(ctx, vehicle.DestinationID)
	go func() {
		err := SendWebhook(NewWebhook{
			Event:   "vehicle.departed",
			Payload: vehicle,
		})
		if err != nil {
			notification.NotifyError(err)
		}
	}()
	return nil
}

// refreshVehicleState reloads every vehicle touched by a booking mutation,
// re-broadcasts it and manages its departure schedule: a vehicle that just
// filled is scheduled to depart after the grace period, one that reopened
// has its pending departure cancelled.
func (l *Gare) refreshVehicleState(ctx context.Context, segments []model.SeatSegment) {
	cfg, err := config.Fetch()
	if err != nil {
		logrus.Errorf("failed to fetch config: %v", err)
		return
	}
	grace := time.Duration(cfg.Queue.DepartureGraceSec) * time.Second
	for _, segment := range segments {
		vehicle := l.postVehicleActions(ctx, segment.VehicleID, model.SyncUpdate)
		if vehicle == nil {
			continue
		}
		switch vehicle.Status {
		case model.VehicleFull:
			if err := l.queue.QueueDeparture(ctx, vehicle.VehicleID, time.Now().Add(grace)); err != nil {
				logrus.Errorf("failed to schedule departure for %s: %v", vehicle.VehicleID, err)
			}
		case model.VehicleLoading:
			if err := l.queue.CancelDeparture(vehicle.VehicleID); err != nil {
				logrus.Errorf("failed to cancel departure for %s: %v", vehicle.VehicleID, err)
			}
		}
	}
}

// postVehicleActions reloads a vehicle, stores its snapshot and journals the
// change for upstream sync. Returns the reloaded vehicle, or nil when the
// reload failed.
func (l *Gare) postVehicleActions(ctx context.Context, vehicleID string, action model.SyncAction) *model.Vehicle {
	vehicle, err := l.datasource.GetVehicle(ctx, vehicleID)
	if err != nil {
		logrus.Errorf("failed to reload vehicle %s: %v", vehicleID, err)
		return nil
	}
	payload, err := json.Marshal(vehicle)
	if err != nil {
		logrus.Errorf("failed to marshal vehicle %s: %v", vehicleID, err)
		return vehicle
	}
	if _, err := l.snapshots.Apply(ctx, &model.EntitySnapshot{
		EntityType: model.EntityVehicle,
		EntityID:   vehicle.VehicleID,
		Payload:    payload,
		Version:    vehicle.Version,
	}); err != nil {
		logrus.Errorf("failed to snapshot vehicle %s: %v", vehicleID, err)
	}
	if err := l.JournalSync(ctx, model.EntityVehicle, vehicle.VehicleID, action, payload, vehicle.Version); err != nil {
		logrus.Errorf("failed to journal vehicle %s: %v", vehicleID, err)
	}
	return vehicle
}

// rerankDestinationQueue reassigns positions 1..n to the remaining loading
// vehicles of a destination, preserving their current order.
func (l *Gare) rerankDestinationQueue(ctx context.Context, destinationID string) {
	vehicles, err := l.datasource.GetBoardableVehicles(ctx, destinationID)
	if err != nil {
		logrus.Errorf("failed to load queue for destination %s: %v", destinationID, err)
		return
	}
	if len(vehicles) == 0 {
		return
	}
	positions := make(map[string]int, len(vehicles))
	for i, vehicle := range vehicles {
		positions[vehicle.VehicleID] = i + 1
	}
	if err := l.datasource.UpdateQueuePositions(ctx, destinationID, positions); err != nil {
		logrus.Errorf("failed to rerank queue for destination %s: %v", destinationID, err)
		return
	}
	for _, vehicle := range vehicles {
		l.postVehicleActions(ctx, vehicle.VehicleID, model.SyncUpdate)
	}
}

// GetVehicle retrieves a vehicle by ID.
func (l Gare) GetVehicle(ctx context.Context, vehicleID string) (*model.Vehicle, error) {
	return l.datasource.GetVehicle(ctx, vehicleID)
}

// GetAllVehicles retrieves a page of vehicles.
func (l Gare) GetAllVehicles(ctx context.Context, limit, offset int) ([]model.Vehicle, error) {
	return l.datasource.GetAllVehicles(ctx, limit, offset)
}

// GetBoardableVehicles retrieves the loading queue for a destination in
// queue-position order.
func (l Gare) GetBoardableVehicles(ctx context.Context, destinationID string) ([]*model.Vehicle, error) {
	return l.datasource.GetBoardableVehicles(ctx, destinationID)
}

// GetSeatAssignments retrieves the pinned seats of a vehicle.
func (l Gare) GetSeatAssignments(ctx context.Context, vehicleID string) ([]model.SeatAssignment, error) {
	return l.datasource.GetSeatAssignments(ctx, vehicleID)
}

// DestinationCapacity reports how many seats remain bookable for a
// destination right now.
func (l Gare) DestinationCapacity(ctx context.Context, destinationID string) (int, error) {
	vehicles, err := l.datasource.GetBoardableVehicles(ctx, destinationID)
	if err != nil {
		return 0, err
	}
	return AllocationCapacity(vehicles), nil
}
