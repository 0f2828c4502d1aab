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
	"fmt"

	"github.com/garehq/gare/model"
)

// tableEntity maps a station table to its synchronized entity type and the
// column carrying the entity id.
func tableEntity(table string) (model.EntityType, string) {
	switch table {
	case "destinations":
		return model.EntityDestination, "destination_id"
	case "vehicles":
		return model.EntityVehicle, "vehicle_id"
	case "bookings":
		return model.EntityBooking, "booking_id"
	}
	return "", ""
}

// HandleNotification replays a row-change notification from the database
// triggers into the snapshot store. Writes that bypass the API, such as
// migrations or manual fixes, still reach realtime subscribers this way. The
// store's version check drops rows the node already knows about.
func (l *Gare) HandleNotification(table string, data map[string]interface{}) error {
	entityType, idColumn := tableEntity(table)
	if entityType == "" {
		return nil
	}
	entityID, _ := data[idColumn].(string)
	if entityID == "" {
		return fmt.Errorf("notification for table %s carries no %s", table, idColumn)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var version int64
	if v, ok := data["version"].(float64); ok {
		version = int64(v)
	}

	_, err = l.snapshots.Apply(context.Background(), &model.EntitySnapshot{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Version:    version,
	})
	return err
}
