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
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	redlock "github.com/garehq/gare/internal/lock"
	"github.com/garehq/gare/model"
)

var tracer = otel.Tracer("Resource coordinator")

// lockWaitTimeout bounds how long an executing operation waits for the
// resource lock before it is requeued.
const lockWaitTimeout = 5 * time.Second

// recentRetention is how long terminal operations stay queryable after they
// leave the active set.
const recentRetention = 10 * time.Minute

// logAndRecordError records an error on the span and logs it.
//
// Parameters:
// - span trace.Span: The span on which to record the error.
// - msg string: The message to log with the error.
// - err error: The error to log and record.
//
// Returns:
// - error: The logged error message.
func logAndRecordError(span trace.Span, msg string, err error) error {
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	span.RecordError(wrappedErr)
	logrus.Error(wrappedErr)
	return wrappedErr
}

// ApplyFunc executes one operation against the store and returns its result.
// It runs while the coordinator holds the resource lock.
type ApplyFunc func(ctx context.Context, op *model.Operation) (interface{}, error)

// SubmitOutcome is the synchronous answer to a Submit call.
type SubmitOutcome string

const (
	OutcomeImmediate SubmitOutcome = "immediate"
	OutcomeQueued    SubmitOutcome = "queued"
	OutcomeConflict  SubmitOutcome = "conflict"
)

// SubmitResult reports how a submitted operation was scheduled.
type SubmitResult struct {
	OperationID string                `json:"operation_id"`
	Outcome     SubmitOutcome         `json:"outcome"`
	Status      model.OperationStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
}

type pendingItem struct {
	op  *model.Operation
	seq uint64
}

// pendingHeap orders operations by descending priority, then arrival time,
// then submission sequence so equal submissions stay first-in-first-out.
type pendingHeap []pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].op.Priority != h[j].op.Priority {
		return h[i].op.Priority > h[j].op.Priority
	}
	if !h[i].op.SubmittedAt.Equal(h[j].op.SubmittedAt) {
		return h[i].op.SubmittedAt.Before(h[j].op.SubmittedAt)
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(pendingItem))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = pendingItem{}
	*h = old[:n-1]
	return item
}

type finishedOp struct {
	op *model.Operation
	at time.Time
}

// Coordinator serializes mutating operations against named resources. Per
// resource id at most one operation executes at a time; competing operations
// are resolved by the kind's conflict policy or queued by descending
// priority. True mutual exclusion on seat counts lives in the store's
// conditional updates; the redis locks only stop redundant conflicting
// writes from racing each other.
type Coordinator struct {
	redis  redis.UniversalClient
	events *EventBus
	apply  ApplyFunc

	lockTTL           time.Duration
	sweepInterval     time.Duration
	maxInFlight       int
	maxPending        int
	maxRetries        int
	priorityThreshold int

	mu         sync.Mutex
	active     map[string]*model.Operation
	processing map[string]string
	slots      map[string]struct{}
	pending    pendingHeap
	recent     map[string]finishedOp
	inFlight   int
	seq        uint64
}

// NewCoordinator creates a resource coordinator from the configuration.
//
// Parameters:
// - redisClient redis.UniversalClient: The redis client backing resource locks.
// - conf *config.Configuration: The loaded configuration.
// - events *EventBus: The bus operation outcomes are published on.
// - apply ApplyFunc: The executor invoked for each operation.
//
// Returns:
// - *Coordinator: A pointer to the newly created Coordinator instance.
func NewCoordinator(redisClient redis.UniversalClient, conf *config.Configuration, events *EventBus, apply ApplyFunc) *Coordinator {
	return &Coordinator{
		redis:             redisClient,
		events:            events,
		apply:             apply,
		lockTTL:           time.Duration(conf.Coordinator.LockTTLSec) * time.Second,
		sweepInterval:     time.Duration(conf.Coordinator.SweepIntervalSec) * time.Second,
		maxInFlight:       conf.Coordinator.MaxInFlight,
		maxPending:        conf.Coordinator.MaxPending,
		maxRetries:        conf.Coordinator.MaxRetries,
		priorityThreshold: conf.Coordinator.PriorityThreshold,
		active:            make(map[string]*model.Operation),
		processing:        make(map[string]string),
		slots:             make(map[string]struct{}),
		recent:            make(map[string]finishedOp),
	}
}

// Start launches the background sweep. It runs until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	go c.sweepLoop(ctx)
}

// Submit schedules an operation. The result reports whether the operation
// started immediately, was queued, or lost a conflict check; execution
// outcomes arrive later as events.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - op *model.Operation: The operation to schedule. Payload must be decoded.
//
// Returns:
// - *SubmitResult: The scheduling outcome.
// - error: An error if the operation is invalid or the pending queue is full.
func (c *Coordinator) Submit(ctx context.Context, op *model.Operation) (*SubmitResult, error) {
	_, span := tracer.Start(ctx, "Submitting Operation")
	defer span.End()

	if op.ResourceID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Resource id is required", nil)
	}
	if op.Payload == nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Operation payload is required", nil)
	}
	if op.OperationID == "" {
		op.OperationID = model.GenerateUUIDWithSuffix("op")
	}
	op.SubmittedAt = time.Now()
	op.Status = model.OpPending

	c.mu.Lock()
	var superseded *model.Operation
	if processingID, busy := c.processing[op.ResourceID]; busy {
		existing := c.active[processingID]
		if existing != nil && existing.Kind == op.Kind {
			switch op.Kind.ConflictPolicy() {
			case model.PolicyFirstWins:
				result := c.rejectConflictLocked(op, fmt.Sprintf("Operation '%s' is already processing resource '%s'", existing.OperationID, op.ResourceID))
				c.mu.Unlock()
				span.AddEvent("Operation rejected, first-wins")
				c.events.Publish(OperationConflict{Operation: *op})
				return result, nil
			case model.PolicyMerge:
				if !model.Mergeable(existing.Payload, op.Payload) {
					result := c.rejectConflictLocked(op, fmt.Sprintf("Operation overlaps with processing operation '%s' on resource '%s'", existing.OperationID, op.ResourceID))
					c.mu.Unlock()
					span.AddEvent("Operation rejected, merge not provable")
					c.events.Publish(OperationConflict{Operation: *op})
					return result, nil
				}
				span.AddEvent("Merge accepted, payloads disjoint")
			case model.PolicyLastWins:
				existing.Status = model.OpFailed
				existing.Error = fmt.Sprintf("Superseded by operation '%s'", op.OperationID)
				delete(c.processing, op.ResourceID)
				superseded = existing
				span.AddEvent("Superseded processing operation")
			}
		}
	}

	if c.runnableLocked(op) {
		c.claimSlotLocked(op)
		result := &SubmitResult{OperationID: op.OperationID, Outcome: OutcomeImmediate, Status: op.Status}
		c.mu.Unlock()
		if superseded != nil {
			c.events.Publish(OperationFailed{Operation: *superseded})
		}
		go c.executeOperation(context.Background(), op)
		return result, nil
	}

	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		if superseded != nil {
			c.events.Publish(OperationFailed{Operation: *superseded})
		}
		return nil, apierror.NewAPIError(apierror.ErrCapacityExceeded, "Pending operation queue is full", map[string]interface{}{
			"max_pending": c.maxPending,
		})
	}
	c.active[op.OperationID] = op
	heap.Push(&c.pending, pendingItem{op: op, seq: c.seq})
	c.seq++
	result := &SubmitResult{OperationID: op.OperationID, Outcome: OutcomeQueued, Status: op.Status}
	c.mu.Unlock()
	if superseded != nil {
		c.events.Publish(OperationFailed{Operation: *superseded})
	}
	return result, nil
}

// runnableLocked reports whether the operation may take the fast path right
// now: resource free, capacity available, and the operation immediate
// eligible. Kind eligibility is checked before the priority threshold; either
// is sufficient.
func (c *Coordinator) runnableLocked(op *model.Operation) bool {
	if _, busy := c.processing[op.ResourceID]; busy {
		return false
	}
	if c.inFlight >= c.maxInFlight {
		return false
	}
	if op.Kind.ImmediateEligible() {
		return true
	}
	return op.Priority >= c.priorityThreshold
}

func (c *Coordinator) claimSlotLocked(op *model.Operation) {
	op.Status = model.OpProcessing
	op.LockDeadline = time.Now().Add(c.lockTTL)
	c.active[op.OperationID] = op
	c.processing[op.ResourceID] = op.OperationID
	c.slots[op.OperationID] = struct{}{}
	c.inFlight++
}

// releaseSlotLocked undoes claimSlotLocked exactly once per claim, so a late
// finish after the sweep already reclaimed the slot cannot double-release.
func (c *Coordinator) releaseSlotLocked(op *model.Operation) {
	if _, held := c.slots[op.OperationID]; !held {
		return
	}
	delete(c.slots, op.OperationID)
	if holder, ok := c.processing[op.ResourceID]; ok && holder == op.OperationID {
		delete(c.processing, op.ResourceID)
	}
	c.inFlight--
}

func (c *Coordinator) rejectConflictLocked(op *model.Operation, message string) *SubmitResult {
	op.Status = model.OpConflict
	op.Error = message
	c.rememberLocked(op)
	return &SubmitResult{OperationID: op.OperationID, Outcome: OutcomeConflict, Status: op.Status, Error: op.Error}
}

// rememberLocked archives a terminal operation for the retention window.
// The first pass stamps the completion time; a late finish after the sweep
// already archived the operation must not restamp it.
func (c *Coordinator) rememberLocked(op *model.Operation) {
	if op.CompletedAt == nil {
		op.CompletedAt = ptr.Time(time.Now())
	}
	delete(c.active, op.OperationID)
	c.recent[op.OperationID] = finishedOp{op: op, at: time.Now()}
}

// executeOperation runs one scheduled operation: acquire the resource lock,
// apply the mutation, release the lock, record the outcome. A lock that
// cannot be acquired within the wait window sends the operation back to the
// pending queue with its retry budget decremented.
func (c *Coordinator) executeOperation(ctx context.Context, op *model.Operation) {
	ctx, span := tracer.Start(ctx, "Executing Operation")
	defer span.End()

	locker := redlock.NewLocker(c.redis, op.ResourceID, model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, c.lockTTL, lockWaitTimeout); err != nil {
		_ = logAndRecordError(span, "failed to acquire resource lock", err)
		c.requeue(op)
		return
	}
	span.AddEvent("Lock acquired")
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Errorf("failed to release lock for resource %s: %v", op.ResourceID, err)
		}
	}()

	result, err := c.apply(ctx, op)
	c.finish(op, result, err)
}

// requeue returns an operation to the pending queue after a failed lock
// acquisition. The retry budget bounds how often this can happen before the
// operation is marked permanently failed.
func (c *Coordinator) requeue(op *model.Operation) {
	c.mu.Lock()
	if op.Status.Terminal() {
		c.releaseSlotLocked(op)
		c.rememberLocked(op)
		c.mu.Unlock()
		return
	}
	c.releaseSlotLocked(op)
	op.RetryCount++
	if op.RetryCount > c.maxRetries {
		op.Status = model.OpFailed
		op.Error = fmt.Sprintf("Could not acquire lock on resource '%s' after %d attempts", op.ResourceID, op.RetryCount)
		c.rememberLocked(op)
		c.mu.Unlock()
		c.events.Publish(OperationFailed{Operation: *op})
		return
	}
	op.Status = model.OpPending
	op.LockDeadline = time.Time{}
	heap.Push(&c.pending, pendingItem{op: op, seq: c.seq})
	c.seq++
	retries := op.RetryCount
	c.mu.Unlock()
	logrus.Infof("requeued operation %s on busy resource %s (retry %d)", op.OperationID, op.ResourceID, retries)
}

// finish records an execution outcome and frees the slot. Operations marked
// terminal while executing (superseded or swept) keep their earlier status
// and their late result is discarded.
func (c *Coordinator) finish(op *model.Operation, result interface{}, err error) {
	c.mu.Lock()
	alreadyTerminal := op.Status.Terminal()
	if !alreadyTerminal {
		if err != nil {
			if apierror.Code(err) == apierror.ErrConflict {
				op.Status = model.OpConflict
			} else {
				op.Status = model.OpFailed
			}
			op.Error = err.Error()
		} else {
			op.Status = model.OpCompleted
			op.Result = result
		}
	}
	c.releaseSlotLocked(op)
	c.rememberLocked(op)
	c.mu.Unlock()

	if !alreadyTerminal {
		switch op.Status {
		case model.OpCompleted:
			c.events.Publish(OperationCompleted{Operation: *op})
		case model.OpConflict:
			c.events.Publish(OperationConflict{Operation: *op})
		default:
			c.events.Publish(OperationFailed{Operation: *op})
		}
	}
	c.DrainPending()
}

// DrainPending promotes queued operations while capacity allows. Operations
// whose resource is busy stay queued in priority order; terminal leftovers
// from supersession are discarded.
func (c *Coordinator) DrainPending() {
	c.mu.Lock()
	var promoted []*model.Operation
	var kept []pendingItem
	for len(c.pending) > 0 && c.inFlight < c.maxInFlight {
		item := heap.Pop(&c.pending).(pendingItem)
		op := item.op
		if op.Status.Terminal() {
			c.rememberLocked(op)
			continue
		}
		if _, busy := c.processing[op.ResourceID]; busy {
			kept = append(kept, item)
			continue
		}
		c.claimSlotLocked(op)
		promoted = append(promoted, op)
	}
	for _, item := range kept {
		heap.Push(&c.pending, item)
	}
	c.mu.Unlock()
	for _, op := range promoted {
		go c.executeOperation(context.Background(), op)
	}
}

// SweepExpiredLocks releases the in-process slots of operations stuck past
// their lock deadline. The redis key itself expires on its own TTL; this
// sweep frees the resource for queued work and fails the stalled holder so
// its late write, if it ever lands, is discarded.
func (c *Coordinator) SweepExpiredLocks() {
	now := time.Now()
	c.mu.Lock()
	var expired []*model.Operation
	for resourceID, opID := range c.processing {
		op := c.active[opID]
		if op == nil {
			delete(c.processing, resourceID)
			continue
		}
		if op.LockDeadline.IsZero() || now.Before(op.LockDeadline) {
			continue
		}
		op.Status = model.OpFailed
		op.Error = fmt.Sprintf("Resource lock expired while processing '%s'", resourceID)
		c.releaseSlotLocked(op)
		c.rememberLocked(op)
		expired = append(expired, op)
	}
	c.mu.Unlock()
	for _, op := range expired {
		logrus.Warnf("operation %s exceeded its lock deadline on resource %s, releasing", op.OperationID, op.ResourceID)
		c.events.Publish(OperationFailed{Operation: *op})
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpiredLocks()
			c.DrainPending()
			c.trimRecent()
		}
	}
}

func (c *Coordinator) trimRecent() {
	cutoff := time.Now().Add(-recentRetention)
	c.mu.Lock()
	for id, entry := range c.recent {
		if entry.at.Before(cutoff) {
			delete(c.recent, id)
		}
	}
	c.mu.Unlock()
}

// GetOperation returns an active or recently finished operation by id.
//
// Parameters:
// - operationID string: The ID of the operation to retrieve.
//
// Returns:
// - *model.Operation: A pointer to the Operation if found.
// - error: An error if the operation is unknown.
func (c *Coordinator) GetOperation(operationID string) (*model.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op, ok := c.active[operationID]; ok {
		copied := *op
		return &copied, nil
	}
	if entry, ok := c.recent[operationID]; ok {
		copied := *entry.op
		return &copied, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Operation with ID '%s' not found", operationID), nil)
}

// CoordinatorStats is a point-in-time view of coordinator load.
type CoordinatorStats struct {
	InFlight int `json:"in_flight"`
	Pending  int `json:"pending"`
	Active   int `json:"active"`
}

// Stats returns current coordinator load counters.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CoordinatorStats{
		InFlight: c.inFlight,
		Pending:  len(c.pending),
		Active:   len(c.active),
	}
}
