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
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/model"
)

// SyncRecoveryProcessor re-enqueues journaled sync operations whose queue
// task was lost, typically after a crash between the journal write and the
// enqueue, or a worker dying mid-retry. Only entries stuck past the threshold
// are touched; younger pending entries are normal in-flight traffic. Task id
// dedupe makes re-enqueueing an operation that is still queued harmless.
type SyncRecoveryProcessor struct {
	gare           *Gare
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewSyncRecoveryProcessor(gare *Gare) *SyncRecoveryProcessor {
	return &SyncRecoveryProcessor{
		gare:           gare,
		batchSize:      500,
		maxWorkers:     10,
		pollInterval:   30 * time.Second,
		stuckThreshold: 5 * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

func (p *SyncRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Sync recovery processor started")
}

func (p *SyncRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Sync recovery processor stopped")
}

func (p *SyncRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *SyncRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.gare.RecoverStuckSync(ctx, p.stuckThreshold, p.batchSize, p.maxWorkers); err != nil {
				logrus.Errorf("sync recovery pass failed: %v", err)
			}
		}
	}
}

// RecoverStuckSync re-enqueues journal entries that have stayed pending past
// the threshold. This is the safety net behind FlushPendingSync: flush runs
// on startup and link authentication, recovery catches entries that went
// stale while the process was up.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - threshold time.Duration: The minimum pending age before an entry counts as stuck.
// - limit int: The maximum journal entries to examine.
// - workers int: The number of concurrent enqueues.
//
// Returns:
// - int: The number of operations re-enqueued.
// - error: An error if the journal could not be read.
func (l *Gare) RecoverStuckSync(ctx context.Context, threshold time.Duration, limit, workers int) (int, error) {
	if threshold < time.Minute {
		threshold = time.Minute
	}
	if workers <= 0 {
		workers = 1
	}

	pending, err := l.datasource.GetPendingSyncOperations(ctx, limit)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-threshold)
	var stuck []*model.SyncOperation
	for _, syncOp := range pending {
		if syncOp.CreatedAt.Before(cutoff) {
			stuck = append(stuck, syncOp)
		}
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	logrus.Infof("Re-enqueueing %d stuck sync operations with %d workers (threshold=%v)", len(stuck), workers, threshold)

	sem := make(chan struct{}, workers)
	var batchWg sync.WaitGroup
	var mu sync.Mutex
	recovered := 0

	for _, syncOp := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(op *model.SyncOperation) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := l.queue.EnqueueSync(ctx, op); err != nil {
				if errors.Is(err, asynq.ErrTaskIDConflict) {
					return
				}
				logrus.Errorf("failed to recover sync %s: %v", op.SyncID, err)
				return
			}
			mu.Lock()
			recovered++
			mu.Unlock()
		}(syncOp)
	}

	batchWg.Wait()
	return recovered, nil
}
