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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/model"
)

func TestSendWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	mockConfig := &config.Configuration{
		Redis: config.RedisConfig{
			Dns: mr.Addr(),
		},
		Queue: config.QueueConfig{WebhookQueue: "new:webhook"},
		Notification: config.Notification{Webhook: struct {
			Url     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}(struct {
			Url     string
			Headers map[string]string
		}{Url: "https:localhost:5001/webhook", Headers: nil})},
	}

	config.ConfigStore.Store(mockConfig)
	booking := &model.Booking{BookingID: "bkg_1", DestinationID: "dst_1", Seats: 2, Status: model.BookingPending}
	testData := NewWebhook{
		Event:   getEventFromStatus(booking.Status),
		Payload: booking,
	}

	err = SendWebhook(testData)
	assert.NoError(t, err)

	// Verify that the task was enqueued
	tasks := mr.Keys()
	t.Log(tasks)
	assert.NoError(t, err)
	assert.NotEmpty(t, tasks)
}

func TestSendWebhookWithoutURLIsNoop(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	config.ConfigStore.Store(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{WebhookQueue: "new:webhook"},
	})

	err = SendWebhook(NewWebhook{Event: "booking.created", Payload: map[string]string{"booking_id": "bkg_1"}})
	assert.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestGetEventFromStatus(t *testing.T) {
	tests := []struct {
		status model.BookingStatus
		event  string
	}{
		{model.BookingPending, "booking.created"},
		{model.BookingConfirmed, "booking.confirmed"},
		{model.BookingCancelled, "booking.cancelled"},
		{model.BookingStatus("EXPIRED"), "booking.unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.event, getEventFromStatus(tt.status))
	}
}
