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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garehq/gare/model"
)

func TestHandleNotificationRefreshesSnapshot(t *testing.T) {
	g, _, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	row := map[string]interface{}{
		"vehicle_id":      "veh_trigger_1",
		"destination_id":  "dst_1",
		"status":          "loading",
		"available_seats": float64(9),
		"version":         float64(4),
	}
	require.NoError(t, g.HandleNotification("vehicles", row))

	snap, err := g.Snapshots().Get(context.Background(), model.EntityVehicle, "veh_trigger_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)

	// A replayed older row is dropped by the version check.
	stale := map[string]interface{}{
		"vehicle_id": "veh_trigger_1",
		"status":     "full",
		"version":    float64(2),
	}
	require.NoError(t, g.HandleNotification("vehicles", stale))
	snap, err = g.Snapshots().Get(context.Background(), model.EntityVehicle, "veh_trigger_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
}

func TestHandleNotificationIgnoresUntrackedTables(t *testing.T) {
	g, _, mr, err := newTestGare()
	if err != nil {
		t.Fatalf("an error '%s' occurred when setting up the test", err)
	}
	defer mr.Close()

	assert.NoError(t, g.HandleNotification("sync_journal", map[string]interface{}{"sync_id": "sync_1"}))
	assert.Error(t, g.HandleNotification("vehicles", map[string]interface{}{"status": "loading"}))
}
