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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/internal/cache"
	"github.com/garehq/gare/model"
)

// SnapshotStore holds the last-known versioned state of every synchronized
// entity. Versions are strictly monotonic per (type, id): an incoming update
// is applied and re-broadcast only when it is strictly newer than the held
// snapshot, otherwise it is dropped as stale. Applied snapshots are written
// through to redis so a restarted node warms from its last state.
type SnapshotStore struct {
	events        *EventBus
	cache         cache.Cache
	ttl           time.Duration
	sweepInterval time.Duration

	mu        sync.RWMutex
	snapshots map[string]*model.EntitySnapshot
}

// NewSnapshotStore creates a snapshot store from the configuration. A cache
// initialization failure downgrades the store to memory-only with a warning.
func NewSnapshotStore(conf *config.Configuration, events *EventBus) *SnapshotStore {
	snapshotCache, err := cache.NewCache()
	if err != nil {
		logrus.Warnf("snapshot cache unavailable, running memory-only: %v", err)
		snapshotCache = nil
	}
	return &SnapshotStore{
		events:        events,
		cache:         snapshotCache,
		ttl:           time.Duration(conf.Snapshot.TTLSec) * time.Second,
		sweepInterval: time.Duration(conf.Snapshot.SweepIntervalSec) * time.Second,
		snapshots:     make(map[string]*model.EntitySnapshot),
	}
}

// Start launches the TTL eviction sweep. It runs until ctx is cancelled.
func (s *SnapshotStore) Start(ctx context.Context) {
	go s.sweepLoop(ctx)
}

func snapshotKey(entityType model.EntityType, entityID string) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}

// Apply records an incoming snapshot if it is strictly newer than the held
// one. Stale updates are dropped silently and logged at debug level; they
// are not an error to the caller.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - incoming *model.EntitySnapshot: The candidate snapshot.
//
// Returns:
// - bool: True when the snapshot was applied and re-broadcast.
// - error: An error if the snapshot is malformed.
func (s *SnapshotStore) Apply(ctx context.Context, incoming *model.EntitySnapshot) (bool, error) {
	if incoming == nil || incoming.EntityID == "" {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Snapshot entity id is required", nil)
	}
	if !model.KnownEntityType(incoming.EntityType) {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown entity type '%s'", incoming.EntityType), nil)
	}
	if incoming.Checksum == "" && len(incoming.Payload) > 0 {
		incoming.Checksum = model.PayloadChecksum(incoming.Payload)
	}

	key := snapshotKey(incoming.EntityType, incoming.EntityID)
	s.mu.Lock()
	held := s.snapshots[key]
	if !incoming.Supersedes(held) {
		s.mu.Unlock()
		logrus.Debugf("dropping stale snapshot for %s (version %d)", key, incoming.Version)
		return false, nil
	}
	action := model.SyncUpdate
	if held == nil {
		action = model.SyncCreate
	}
	stored := *incoming
	stored.UpdatedAt = time.Now()
	s.snapshots[key] = &stored
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Set(ctx, fmt.Sprintf("snapshot:%s", key), stored, s.ttl); err != nil {
			logrus.Warnf("failed to cache snapshot %s: %v", key, err)
		}
	}

	s.events.Publish(SnapshotApplied{
		EntityType: stored.EntityType,
		EntityID:   stored.EntityID,
		Action:     action,
		Payload:    stored.Payload,
		Version:    stored.Version,
	})
	return true, nil
}

// Delete removes a snapshot and broadcasts the deletion. A delete carrying a
// version older than the held snapshot is dropped as stale.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - entityType model.EntityType: The entity type.
// - entityID string: The entity id.
// - version int64: The version of the deletion, zero when unversioned.
//
// Returns:
// - bool: True when the deletion was applied.
// - error: An error if the arguments are malformed.
func (s *SnapshotStore) Delete(ctx context.Context, entityType model.EntityType, entityID string, version int64) (bool, error) {
	if entityID == "" {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Snapshot entity id is required", nil)
	}
	key := snapshotKey(entityType, entityID)
	s.mu.Lock()
	held := s.snapshots[key]
	if held != nil && version > 0 && version < held.Version {
		s.mu.Unlock()
		logrus.Debugf("dropping stale snapshot delete for %s (version %d)", key, version)
		return false, nil
	}
	delete(s.snapshots, key)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Delete(ctx, fmt.Sprintf("snapshot:%s", key)); err != nil {
			logrus.Warnf("failed to evict cached snapshot %s: %v", key, err)
		}
	}

	s.events.Publish(SnapshotApplied{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     model.SyncDelete,
		Version:    version,
	})
	return true, nil
}

// Get returns the held snapshot for an entity, falling back to the redis
// write-through copy when memory is cold after a restart.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - entityType model.EntityType: The entity type.
// - entityID string: The entity id.
//
// Returns:
// - *model.EntitySnapshot: A pointer to the snapshot if known.
// - error: An error if no snapshot exists.
func (s *SnapshotStore) Get(ctx context.Context, entityType model.EntityType, entityID string) (*model.EntitySnapshot, error) {
	key := snapshotKey(entityType, entityID)
	s.mu.RLock()
	held, ok := s.snapshots[key]
	s.mu.RUnlock()
	if ok {
		copied := *held
		return &copied, nil
	}

	if s.cache != nil {
		var cached model.EntitySnapshot
		if err := s.cache.Get(ctx, fmt.Sprintf("snapshot:%s", key), &cached); err == nil && cached.EntityID != "" {
			s.mu.Lock()
			s.snapshots[key] = &cached
			s.mu.Unlock()
			copied := cached
			return &copied, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No snapshot for %s '%s'", entityType, entityID), nil)
}

// List returns all held snapshots of one entity type, unordered.
func (s *SnapshotStore) List(entityType model.EntityType) []*model.EntitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.EntitySnapshot, 0)
	for _, snap := range s.snapshots {
		if snap.EntityType != entityType {
			continue
		}
		copied := *snap
		out = append(out, &copied)
	}
	return out
}

// Count returns the number of held snapshots.
func (s *SnapshotStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// SweepExpired evicts snapshots that have not been updated within the TTL.
func (s *SnapshotStore) SweepExpired() int {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	evicted := 0
	for key, snap := range s.snapshots {
		if snap.UpdatedAt.Before(cutoff) {
			delete(s.snapshots, key)
			evicted++
		}
	}
	s.mu.Unlock()
	if evicted > 0 {
		logrus.Debugf("evicted %d idle snapshots", evicted)
	}
	return evicted
}

func (s *SnapshotStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}
