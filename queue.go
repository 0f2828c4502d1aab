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
	"hash/fnv"
	"log"
	"time"

	"github.com/garehq/gare/config"
	redis_db "github.com/garehq/gare/internal/redis-db"

	"github.com/garehq/gare/model"
	"github.com/hibiken/asynq"
)

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// DeparturePayload is the task body for a scheduled vehicle departure.
type DeparturePayload struct {
	VehicleID string `json:"vehicle_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueSync enqueues a sync operation for delivery to the central server.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - syncOp *model.SyncOperation: The sync operation to be enqueued.
//
// Returns:
// - error: An error if the sync operation could not be enqueued.
func (q *Queue) EnqueueSync(ctx context.Context, syncOp *model.SyncOperation) error {
	ctx, span := tracer.Start(ctx, "Adding Sync Operation To Redis Queue")
	defer span.End()

	payload, err := json.Marshal(syncOp)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, q.syncTask(syncOp, payload), asynq.MaxRetry(5))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued sync operation: %+v", syncOp.SyncID)

	return nil
}

// QueueDeparture schedules the departure of a vehicle after the configured
// grace period. The task id is the vehicle id, so rescheduling a vehicle
// that is already pending departure is a no-op until the first task fires
// or is cancelled.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - vehicleID string: The vehicle to depart.
// - departAt time.Time: When the departure should be finalized.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) QueueDeparture(ctx context.Context, vehicleID string, departAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(DeparturePayload{VehicleID: vehicleID})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(vehicleID),
		asynq.Queue(cfg.Queue.DepartureQueue),
		asynq.ProcessIn(time.Until(departAt)),
	}
	task := asynq.NewTask(cfg.Queue.DepartureQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued departure: %+v", vehicleID)
	return nil
}

// CancelDeparture removes a scheduled departure task, typically because a
// seat release reopened the vehicle for boarding. A vehicle with no pending
// departure is not an error.
//
// Parameters:
// - vehicleID string: The vehicle whose departure should be cancelled.
//
// Returns:
// - error: An error if the task could not be deleted.
func (q *Queue) CancelDeparture(vehicleID string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	err = q.Inspector.DeleteTask(cfg.Queue.DepartureQueue, vehicleID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		log.Printf("Error cancelling departure for %s: %v", vehicleID, err)
		return err
	}
	return nil
}

// syncTask generates a task for a sync operation and assigns it to a specific queue based on the entity ID.
// It ensures that sync operations are evenly distributed across multiple queues by hashing the entity ID.
// This approach keeps all sync traffic for the same entity in the same queue, so updates for one entity
// reach the central server in the order they were journaled.
//
// Parameters:
// - syncOp *model.SyncOperation: The sync operation for which to generate the task.
// - payload []byte: The payload for the task, typically the serialized sync operation.
//
// Returns:
// - *asynq.Task: The generated task ready to be enqueued.
func (q *Queue) syncTask(syncOp *model.SyncOperation, payload []byte) *asynq.Task {
	cnf, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config: %v", err)
		return q.syncTaskWithDefaults(syncOp, payload)
	}
	queueIndex := hashEntityID(syncOp.EntityID) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.SyncQueue, queueIndex+1)

	taskOptions := []asynq.Option{asynq.TaskID(syncOp.SyncID), asynq.Queue(queueName)}
	return asynq.NewTask(queueName, payload, taskOptions...)
}

// Fallback function for when config fetch fails
func (q *Queue) syncTaskWithDefaults(syncOp *model.SyncOperation, payload []byte) *asynq.Task {
	queueIndex := hashEntityID(syncOp.EntityID) % 4
	queueName := fmt.Sprintf("new:sync_%d", queueIndex+1) // Default prefix

	taskOptions := []asynq.Option{asynq.TaskID(syncOp.SyncID), asynq.Queue(queueName)}
	return asynq.NewTask(queueName, payload, taskOptions...)
}

// hashEntityID returns a consistent hash value for a string entity ID.
//
// Parameters:
// - entityID string: The entity ID to hash.
//
// Returns:
// - int: The hash value of the entity ID.
func hashEntityID(entityID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(entityID))
	return int(hasher.Sum32())
}

// GetSyncFromQueue retrieves a queued sync operation by its ID.
//
// Parameters:
// - syncID string: The ID of the sync operation to retrieve.
//
// Returns:
// - *model.SyncOperation: A pointer to the SyncOperation model if found.
// - error: An error if the sync operation could not be retrieved.
func (q *Queue) GetSyncFromQueue(syncID string) (*model.SyncOperation, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	// Iterate over all specific sync queues
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.SyncQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, syncID)
		if err == nil && task != nil {
			var syncOp model.SyncOperation
			if err := json.Unmarshal(task.Payload, &syncOp); err != nil {
				return nil, err
			}
			return &syncOp, nil
		}
	}
	return nil, nil // Return nil if sync operation is not found in any queue
}
