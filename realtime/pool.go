// Package realtime manages the station's local client connections: category
// pools with admission control and health scoring, priority-ordered outbound
// delivery, and the websocket gateway that speaks the client protocol.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare"
	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

var categoryOrder = []model.ClientCategory{
	model.CategoryCounter,
	model.CategoryMobile,
	model.CategoryAdmin,
	model.CategoryOther,
}

// pool is one capacity-bounded admission group. Pools are independent:
// exhaustion in one never blocks admission into another.
type pool struct {
	category model.ClientCategory
	capacity int
	clients  map[string]*Client
}

// health scores the pool between 0 and 1: the mean member tier score minus
// a latency penalty of 0.1 per 200ms of mean round trip, capped at 0.5. An
// empty pool scores a neutral 1.0.
func (p *pool) health() float64 {
	if len(p.clients) == 0 {
		return 1.0
	}
	var score float64
	var latency time.Duration
	for _, client := range p.clients {
		score += client.Tier().Score()
		latency += client.Latency()
	}
	mean := score / float64(len(p.clients))
	meanLatency := latency / time.Duration(len(p.clients))
	penalty := meanLatency.Seconds() / 2
	if penalty > 0.5 {
		penalty = 0.5
	}
	health := mean - penalty
	if health < 0 {
		return 0
	}
	return health
}

// Manager owns every admitted client. Admission is bounded per category
// pool and by a global ceiling; outbound delivery runs through a periodic
// flush loop and silent connections are reaped by a periodic sweep.
type Manager struct {
	mu    sync.RWMutex
	pools map[model.ClientCategory]*pool
	byID  map[string]*Client

	global        int
	queueDepth    int
	flushBatch    int
	flushInterval time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration

	events *gare.EventBus
}

// NewManager builds the four category pools from configuration.
func NewManager(conf *config.Configuration, events *gare.EventBus) *Manager {
	rt := conf.Realtime
	m := &Manager{
		pools:         make(map[model.ClientCategory]*pool),
		byID:          make(map[string]*Client),
		global:        rt.GlobalCapacity,
		queueDepth:    rt.QueueDepth,
		flushBatch:    rt.FlushBatch,
		flushInterval: time.Duration(rt.FlushIntervalMs) * time.Millisecond,
		idleTimeout:   time.Duration(rt.IdleTimeoutSec) * time.Second,
		sweepInterval: time.Duration(rt.SweepIntervalSec) * time.Second,
		events:        events,
	}
	capacities := map[model.ClientCategory]int{
		model.CategoryCounter: rt.CounterCapacity,
		model.CategoryMobile:  rt.MobileCapacity,
		model.CategoryAdmin:   rt.AdminCapacity,
		model.CategoryOther:   rt.OtherCapacity,
	}
	for _, category := range categoryOrder {
		m.pools[category] = &pool{
			category: category,
			capacity: capacities[category],
			clients:  make(map[string]*Client),
		}
	}
	return m
}

// Start launches the flush and sweep loops. Both stop when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go m.flushLoop(ctx)
	go m.sweepLoop(ctx)
}

// Admit registers a connection in its category pool. Admission fails when
// either that pool or the global ceiling is already full; a client reusing
// an existing connection id displaces the previous session.
func (m *Manager) Admit(id string, category model.ClientCategory, conn *websocket.Conn) (*Client, error) {
	p, ok := m.pools[category]
	if !ok {
		category = model.CategoryOther
		p = m.pools[category]
	}

	var displaced *Client
	m.mu.Lock()
	if existing, ok := m.byID[id]; ok {
		displaced = existing
		m.detachLocked(existing)
	}
	if p.capacity > 0 && len(p.clients) >= p.capacity {
		m.mu.Unlock()
		m.closeDisplaced(displaced)
		return nil, apierror.NewAPIError(apierror.ErrCapacityExceeded, fmt.Sprintf("Connection pool '%s' is at capacity (%d)", category, p.capacity), nil)
	}
	if m.global > 0 && len(m.byID) >= m.global {
		m.mu.Unlock()
		m.closeDisplaced(displaced)
		return nil, apierror.NewAPIError(apierror.ErrCapacityExceeded, fmt.Sprintf("Station connection ceiling reached (%d)", m.global), nil)
	}
	client := NewClient(id, category, conn, m.queueDepth)
	p.clients[id] = client
	m.byID[id] = client
	active := len(p.clients)
	m.mu.Unlock()

	m.closeDisplaced(displaced)
	logrus.Infof("Admitted client %s into pool %s (%d/%d)", id, category, active, p.capacity)
	return client, nil
}

func (m *Manager) closeDisplaced(displaced *Client) {
	if displaced == nil {
		return
	}
	displaced.Close("superseded by a new connection")
	m.events.Publish(gare.ConnectionDropped{ConnectionID: displaced.ID, Reason: "superseded"})
}

// detachLocked unregisters a client from its pool and the global index.
// Callers hold mu.
func (m *Manager) detachLocked(client *Client) {
	delete(m.byID, client.ID)
	if p, ok := m.pools[client.Category]; ok {
		delete(p.clients, client.ID)
	}
}

// Remove evicts a client, closes its socket and announces the drop.
func (m *Manager) Remove(id string, reason string) {
	m.mu.Lock()
	client, ok := m.byID[id]
	if ok {
		m.detachLocked(client)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	client.Close(reason)
	m.events.Publish(gare.ConnectionDropped{ConnectionID: id, Reason: reason})
	logrus.Infof("Removed client %s: %s", id, reason)
}

// Get looks up an admitted client by connection id.
func (m *Manager) Get(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.byID[id]
	return client, ok
}

// Enqueue queues an envelope for one client at the given priority.
func (m *Manager) Enqueue(id string, envelope *model.Envelope, priority int) error {
	client, ok := m.Get(id)
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Connection '%s' is not registered", id), nil)
	}
	client.Enqueue(envelope, priority)
	return nil
}

// Broadcast queues an envelope for every authenticated client the match
// function accepts. Returns how many clients were reached.
func (m *Manager) Broadcast(envelope *model.Envelope, priority int, match func(*Client) bool) int {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.byID))
	for _, client := range m.byID {
		targets = append(targets, client)
	}
	m.mu.RUnlock()

	reached := 0
	for _, client := range targets {
		if !client.Authenticated() {
			continue
		}
		if match != nil && !match(client) {
			continue
		}
		client.Enqueue(envelope, priority)
		reached++
	}
	return reached
}

// TotalClients counts admitted clients across all pools.
func (m *Manager) TotalClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Stats reports a point-in-time view of every pool, in a fixed category
// order.
func (m *Manager) Stats() []model.PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PoolStats, 0, len(categoryOrder))
	for _, category := range categoryOrder {
		p := m.pools[category]
		stats := model.PoolStats{
			Category: category,
			Active:   len(p.clients),
			Capacity: p.capacity,
			Health:   p.health(),
			ByTier: map[model.QualityTier]int{
				model.TierExcellent: 0,
				model.TierGood:      0,
				model.TierPoor:      0,
				model.TierCritical:  0,
			},
		}
		for _, client := range p.clients {
			stats.QueuedItems += client.QueueLen()
			stats.ByTier[client.Tier()]++
		}
		out = append(out, stats)
	}
	return out
}

// SweepIdle drops clients that have sent nothing within the idle timeout.
// Pongs keep the socket open but do not count as activity; the client
// protocol expects heartbeats. Returns how many clients were dropped.
func (m *Manager) SweepIdle() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.idleTimeout)
	m.mu.RLock()
	stale := make([]string, 0)
	for id, client := range m.byID {
		if client.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		m.Remove(id, "idle timeout")
	}
	return len(stale)
}

func (m *Manager) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushNow()
		}
	}
}

// flushNow drains at most flushBatch envelopes per client. A failed write
// drops the client; the flush moves on to the next one.
func (m *Manager) flushNow() {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.byID))
	for _, client := range m.byID {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	for _, client := range clients {
		for _, envelope := range client.takeBatch(m.flushBatch) {
			if err := client.WriteEnvelope(envelope); err != nil {
				logrus.Warnf("Write to client %s failed, dropping connection: %v", client.ID, err)
				m.Remove(client.ID, "write failed")
				break
			}
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pingAll()
			m.SweepIdle()
		}
	}
}

// pingAll keeps read deadlines alive on quiet but healthy sockets.
func (m *Manager) pingAll() {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.byID))
	for _, client := range m.byID {
		clients = append(clients, client)
	}
	m.mu.RUnlock()
	for _, client := range clients {
		if err := client.Ping(); err != nil {
			m.Remove(client.ID, "ping failed")
		}
	}
}
