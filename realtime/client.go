package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/model"
)

const (
	// writeWait bounds how long a single socket write may block before the
	// connection is treated as dead.
	writeWait = 10 * time.Second

	// pongWait is the read deadline extended on every pong and inbound
	// frame. pingPeriod must stay below it so the peer has a ping to answer
	// before the deadline fires.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// queuedMessage is one outbound envelope waiting on a client queue. seq
// breaks priority ties so equal-priority messages leave in arrival order.
type queuedMessage struct {
	envelope *model.Envelope
	priority int
	seq      uint64
}

// Client is one admitted local connection and its outbound state. Queue and
// session fields are guarded by mu; the socket itself is guarded by writeMu
// because gorilla/websocket allows only one concurrent writer.
type Client struct {
	ID       string
	Category model.ClientCategory

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	queue         []queuedMessage
	seq           uint64
	depth         int
	authenticated bool
	subscription  *model.Subscription
	lastSeen      time.Time
	latency       time.Duration
	tier          model.QualityTier
	connectedAt   time.Time
}

// NewClient wraps an upgraded socket. The client starts in the excellent
// tier until a heartbeat measures otherwise.
func NewClient(id string, category model.ClientCategory, conn *websocket.Conn, queueDepth int) *Client {
	now := time.Now()
	return &Client{
		ID:          id,
		Category:    category,
		conn:        conn,
		depth:       queueDepth,
		tier:        model.TierExcellent,
		lastSeen:    now,
		connectedAt: now,
	}
}

// Touch marks the client as alive. Called on every inbound frame.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// Authenticate marks the session as established.
func (c *Client) Authenticate() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SetSubscription replaces the client's interest set.
func (c *Client) SetSubscription(sub *model.Subscription) {
	c.mu.Lock()
	c.subscription = sub
	c.mu.Unlock()
}

// ClearSubscription drops all interest. The client keeps its session but
// receives no further data updates.
func (c *Client) ClearSubscription() {
	c.SetSubscription(nil)
}

// WantsUpdate reports whether a change to the given entity should reach this
// client. Clients that never subscribed receive nothing.
func (c *Client) WantsUpdate(entityType model.EntityType, entityID string) bool {
	c.mu.Lock()
	sub := c.subscription
	c.mu.Unlock()
	if sub == nil {
		return false
	}
	return sub.Matches(entityType, entityID)
}

// RecordLatency stores a round-trip measurement and rebuckets the quality
// tier. Returns the tier so callers can echo it back.
func (c *Client) RecordLatency(rtt time.Duration) model.QualityTier {
	if rtt < 0 {
		rtt = 0
	}
	tier := model.TierForLatency(rtt)
	c.mu.Lock()
	c.latency = rtt
	c.tier = tier
	c.lastSeen = time.Now()
	c.mu.Unlock()
	return tier
}

func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

func (c *Client) Tier() model.QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// Enqueue appends an envelope to the bounded outbound queue. When the queue
// is full the overall lowest-priority message is dropped, oldest first among
// equals; the incoming message itself loses only when it is strictly the
// lowest.
func (c *Client) Enqueue(envelope *model.Envelope, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depth > 0 && len(c.queue) >= c.depth {
		victim := c.lowestLocked()
		if victim < 0 || c.queue[victim].priority > priority {
			logrus.Warnf("Outbound queue full for client %s, dropping incoming %s message", c.ID, envelope.Type)
			return
		}
		dropped := c.queue[victim]
		c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
		logrus.Warnf("Outbound queue full for client %s, dropping queued %s message", c.ID, dropped.envelope.Type)
	}
	c.seq++
	c.queue = append(c.queue, queuedMessage{envelope: envelope, priority: priority, seq: c.seq})
}

// lowestLocked returns the index of the lowest-priority, oldest queued
// message. Callers hold mu.
func (c *Client) lowestLocked() int {
	victim := -1
	for i, item := range c.queue {
		if victim < 0 {
			victim = i
			continue
		}
		if item.priority < c.queue[victim].priority ||
			(item.priority == c.queue[victim].priority && item.seq < c.queue[victim].seq) {
			victim = i
		}
	}
	return victim
}

// takeBatch removes up to n envelopes in delivery order: highest priority
// first, oldest first within a priority.
func (c *Client) takeBatch(n int) []*model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || len(c.queue) == 0 {
		return nil
	}
	sort.SliceStable(c.queue, func(i, j int) bool {
		if c.queue[i].priority != c.queue[j].priority {
			return c.queue[i].priority > c.queue[j].priority
		}
		return c.queue[i].seq < c.queue[j].seq
	})
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := make([]*model.Envelope, 0, n)
	for _, item := range c.queue[:n] {
		batch = append(batch, item.envelope)
	}
	c.queue = append(c.queue[:0], c.queue[n:]...)
	return batch
}

// QueueLen reports how many envelopes are waiting to be flushed.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// WriteEnvelope writes one frame to the socket under the write lock.
func (c *Client) WriteEnvelope(envelope *model.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(envelope)
}

// Ping sends a control ping so the peer's pong refreshes the read deadline.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and releases the socket if one is attached.
func (c *Client) Close(reason string) {
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
