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

	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/model"
)

// CreateDestination registers a route served from this station and
// broadcasts it.
func (l *Gare) CreateDestination(ctx context.Context, destination model.Destination) (model.Destination, error) {
	created, err := l.datasource.CreateDestination(destination)
	if err != nil {
		return model.Destination{}, err
	}
	l.postDestinationActions(ctx, &created, model.SyncCreate)
	return created, nil
}

// UpdateDestination applies a version-checked update to a destination.
func (l *Gare) UpdateDestination(ctx context.Context, destination *model.Destination) error {
	if err := l.datasource.UpdateDestination(ctx, destination); err != nil {
		return err
	}
	l.postDestinationActions(ctx, destination, model.SyncUpdate)
	return nil
}

// postDestinationActions stores the destination snapshot and journals the
// change for upstream sync.
func (l *Gare) postDestinationActions(ctx context.Context, destination *model.Destination, action model.SyncAction) {
	payload, err := json.Marshal(destination)
	if err != nil {
		logrus.Errorf("failed to marshal destination %s: %v", destination.DestinationID, err)
		return
	}
	if _, err := l.snapshots.Apply(ctx, &model.EntitySnapshot{
		EntityType: model.EntityDestination,
		EntityID:   destination.DestinationID,
		Payload:    payload,
		Version:    destination.Version,
	}); err != nil {
		logrus.Errorf("failed to snapshot destination %s: %v", destination.DestinationID, err)
	}
	if err := l.JournalSync(ctx, model.EntityDestination, destination.DestinationID, action, payload, destination.Version); err != nil {
		logrus.Errorf("failed to journal destination %s: %v", destination.DestinationID, err)
	}
}

// GetDestination retrieves a destination by ID.
func (l Gare) GetDestination(ctx context.Context, destinationID string) (*model.Destination, error) {
	return l.datasource.GetDestination(ctx, destinationID)
}

// GetAllDestinations retrieves a page of destinations.
func (l Gare) GetAllDestinations(limit, offset int) ([]model.Destination, error) {
	return l.datasource.GetAllDestinations(limit, offset)
}
