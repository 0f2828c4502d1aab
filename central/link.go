// Package central maintains the station's single link to the coordinating
// server: authentication, heartbeating with dead-peer detection, paced
// reconnection and message acknowledgment correlation. The process owns one
// Link; local mutations never wait on it.
package central

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/internal/backoff"
	"github.com/garehq/gare/model"
)

// LinkState tracks the connection lifecycle. The only way back to
// disconnected is a close or error; authentication failure closes too.
type LinkState string

const (
	StateDisconnected  LinkState = "disconnected"
	StateConnecting    LinkState = "connecting"
	StateConnected     LinkState = "connected"
	StateAuthenticated LinkState = "authenticated"
)

const (
	// deadPeerMultiplier scales the heartbeat interval into the inbound
	// silence cutoff. Missing two heartbeat acks in a row forces a
	// reconnect without waiting for OS level timeouts.
	deadPeerMultiplier = 2.5

	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// SyncHandler applies one inbound sync message and returns the ack to send
// back. A nil ack suppresses the reply.
type SyncHandler func(ctx context.Context, envelope *model.Envelope) *model.AckPayload

// Status is a point-in-time view of the link for status reporting.
type Status struct {
	State       LinkState `json:"state"`
	Attempt     int       `json:"attempt"`
	Paused      bool      `json:"paused"`
	PendingAcks int       `json:"pending_acks"`
	LastInbound time.Time `json:"last_inbound,omitempty"`
}

// Link is the station's resilient connection to the central server.
// Callbacks must be registered before Run.
type Link struct {
	url       string
	stationID string
	secret    string
	address   string

	heartbeatInterval time.Duration
	ackTimeout        time.Duration
	policy            backoff.Policy

	mu          sync.Mutex
	writeMu     sync.Mutex
	state       LinkState
	conn        *websocket.Conn
	attempt     int
	paused      bool
	resumeCh    chan struct{}
	pending     map[string]chan *model.AckPayload
	lastInbound time.Time

	onStateChange   func(LinkState)
	onAuthenticated func()
	onSync          SyncHandler
}

// NewLink builds a link from the central and station configuration. An
// empty central URL produces a link whose Run returns immediately, leaving
// the station standalone.
func NewLink(conf *config.Configuration) *Link {
	interval := time.Duration(conf.Central.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ackTimeout := time.Duration(conf.Central.AckTimeoutSec) * time.Second
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	return &Link{
		url:               conf.Central.URL,
		stationID:         conf.Station.ID,
		secret:            conf.Station.Secret,
		address:           conf.Station.Address,
		heartbeatInterval: interval,
		ackTimeout:        ackTimeout,
		policy:            backoff.NewPolicy(conf.Central.BackoffInitialMs, conf.Central.BackoffMaxMs),
		state:             StateDisconnected,
		pending:           make(map[string]chan *model.AckPayload),
	}
}

// OnStateChange registers a listener for state transitions.
func (l *Link) OnStateChange(fn func(LinkState)) {
	l.onStateChange = fn
}

// OnAuthenticated registers a hook that fires after every successful
// authentication. The usual hook flushes the pending sync journal.
func (l *Link) OnAuthenticated(fn func()) {
	l.onAuthenticated = fn
}

// OnSync registers the handler for inbound sync messages.
func (l *Link) OnSync(fn SyncHandler) {
	l.onSync = fn
}

// State returns the current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status reports the link for operators and the station status endpoint.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:       l.state,
		Attempt:     l.attempt,
		Paused:      l.paused,
		PendingAcks: len(l.pending),
		LastInbound: l.lastInbound,
	}
}

// Pause stops reconnection attempts. A live session keeps running; the
// attempt counter is preserved.
func (l *Link) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return
	}
	l.paused = true
	logrus.Info("Central link reconnection paused")
}

// Resume re-enables reconnection attempts.
func (l *Link) Resume() {
	l.mu.Lock()
	if !l.paused {
		l.mu.Unlock()
		return
	}
	l.paused = false
	ch := l.resumeCh
	l.resumeCh = nil
	l.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	logrus.Info("Central link reconnection resumed")
}

// Run drives the connect, authenticate, serve cycle until ctx is done.
// Each pass is one attempt; the counter resets only after a successful
// authentication, so backoff picks up where it left off across pauses.
func (l *Link) Run(ctx context.Context) {
	if l.url == "" {
		logrus.Info("Central link disabled: no central URL configured")
		return
	}
	for {
		if err := l.waitWhilePaused(ctx); err != nil {
			return
		}
		l.mu.Lock()
		l.attempt++
		attempt := l.attempt
		l.mu.Unlock()

		if err := l.runOnce(ctx); err != nil && ctx.Err() == nil {
			logrus.Warnf("Central link attempt %d failed: %v", attempt, err)
		}
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.policy.Delay(attempt)):
		}
	}
}

func (l *Link) waitWhilePaused(ctx context.Context) error {
	for {
		l.mu.Lock()
		if !l.paused {
			l.mu.Unlock()
			return nil
		}
		if l.resumeCh == nil {
			l.resumeCh = make(chan struct{})
		}
		ch := l.resumeCh
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (l *Link) runOnce(ctx context.Context) error {
	l.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.lastInbound = time.Now()
	l.mu.Unlock()
	defer func() {
		_ = conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		l.failPending()
	}()

	l.setState(StateConnected)
	if err := l.authenticate(conn); err != nil {
		return err
	}

	l.mu.Lock()
	l.attempt = 0
	l.mu.Unlock()
	l.setState(StateAuthenticated)
	if l.onAuthenticated != nil {
		// Flushing the journal must not block the read loop.
		go l.onAuthenticated()
	}
	l.sendIPUpdate()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.heartbeatLoop(sessionCtx, conn)
	go func() {
		// Unblocks the read loop when the process shuts down.
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	return l.readLoop(sessionCtx, conn)
}

// authenticate presents the station credentials and waits for the verdict.
// The reply is read synchronously; nothing else is on the wire yet.
func (l *Link) authenticate(conn *websocket.Conn) error {
	envelope, err := model.MarshalEnvelope(model.MsgStationAuth, model.StationAuthPayload{
		StationID: l.stationID,
		Secret:    l.secret,
		Address:   l.address,
	})
	if err != nil {
		return err
	}
	envelope.MessageID = model.GenerateUUIDWithSuffix("msg")
	if err := l.write(conn, envelope); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(l.ackTimeout))
	var reply model.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("waiting for auth reply: %w", err)
	}
	if reply.Type != model.MsgStationAuthOK {
		return fmt.Errorf("authentication rejected with %s", reply.Type)
	}
	var ack model.AckPayload
	if len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, &ack); err == nil && !ack.OK {
			return fmt.Errorf("authentication rejected: %s", ack.Error)
		}
	}
	return nil
}

// readLoop consumes frames until the connection dies. The read deadline
// doubles as dead-peer detection: any inbound frame refreshes it, and a
// peer silent past the cutoff forces a reconnect.
func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) error {
	cutoff := time.Duration(float64(l.heartbeatInterval) * deadPeerMultiplier)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(cutoff))
		var envelope model.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("central read: %w", err)
		}
		l.mu.Lock()
		l.lastInbound = time.Now()
		l.mu.Unlock()
		l.handleInbound(ctx, &envelope)
	}
}

func (l *Link) handleInbound(ctx context.Context, envelope *model.Envelope) {
	switch envelope.Type {
	case model.MsgStationHeartbeatOK, model.MsgInstantSyncAck, model.MsgVehicleSyncAck, model.MsgIPUpdateAck:
		l.resolveAck(envelope)
	case model.MsgVehicleSyncFull, model.MsgVehicleSyncUpdate, model.MsgVehicleSyncDelete, model.MsgInstantSync:
		l.deliverSync(ctx, envelope)
	default:
		logrus.Debugf("Central sent unsupported message type %s", envelope.Type)
	}
}

// resolveAck hands an acknowledgment to whoever is waiting on its message
// id. Unsolicited acks are normal for fire-and-forget messages.
func (l *Link) resolveAck(envelope *model.Envelope) {
	var ack model.AckPayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &ack); err != nil {
			logrus.Debugf("Malformed %s payload: %v", envelope.Type, err)
			return
		}
	}
	if ack.MessageID == "" {
		ack.MessageID = envelope.MessageID
	}
	l.mu.Lock()
	ch, ok := l.pending[ack.MessageID]
	if ok {
		delete(l.pending, ack.MessageID)
	}
	l.mu.Unlock()
	if !ok {
		logrus.Debugf("Unmatched %s for message %s", envelope.Type, ack.MessageID)
		return
	}
	ch <- &ack
}

// deliverSync routes an inbound change to the registered handler and acks
// it with the correlating message id.
func (l *Link) deliverSync(ctx context.Context, envelope *model.Envelope) {
	if l.onSync == nil {
		logrus.Warn("No sync handler registered, dropping central sync message")
		return
	}
	ack := l.onSync(ctx, envelope)
	if ack == nil {
		return
	}
	ackType := model.MsgVehicleSyncAck
	if envelope.Type == model.MsgInstantSync {
		ackType = model.MsgInstantSyncAck
	}
	reply, err := model.MarshalEnvelope(ackType, ack)
	if err != nil {
		logrus.Errorf("Failed to marshal %s: %v", ackType, err)
		return
	}
	reply.MessageID = envelope.MessageID
	if err := l.writeCurrent(reply); err != nil {
		logrus.Warnf("Failed to ack %s: %v", envelope.Type, err)
	}
}

// SendSync delivers one journaled operation upstream and waits for its
// acknowledgment. It satisfies the service's sync dispatcher contract: any
// error, including an unavailable link, leaves the task queued for retry.
func (l *Link) SendSync(ctx context.Context, syncOp *model.SyncOperation) error {
	envelope, err := model.MarshalEnvelope(model.MsgInstantSync, syncOp)
	if err != nil {
		return err
	}
	ack, err := l.request(ctx, envelope)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("central rejected sync %s: %s", syncOp.SyncID, ack.Error)
	}
	return nil
}

// request sends an envelope and blocks for its correlated ack.
func (l *Link) request(ctx context.Context, envelope *model.Envelope) (*model.AckPayload, error) {
	l.mu.Lock()
	conn := l.conn
	if conn == nil || l.state != StateAuthenticated {
		l.mu.Unlock()
		return nil, apierror.NewAPIError(apierror.ErrLinkUnavailable, "Central link is not connected", nil)
	}
	if envelope.MessageID == "" {
		envelope.MessageID = model.GenerateUUIDWithSuffix("msg")
	}
	ch := make(chan *model.AckPayload, 1)
	l.pending[envelope.MessageID] = ch
	l.mu.Unlock()

	if err := l.write(conn, envelope); err != nil {
		l.dropPending(envelope.MessageID)
		return nil, err
	}

	timer := time.NewTimer(l.ackTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		l.dropPending(envelope.MessageID)
		return nil, ctx.Err()
	case <-timer.C:
		l.dropPending(envelope.MessageID)
		return nil, fmt.Errorf("no acknowledgment for message %s within %s", envelope.MessageID, l.ackTimeout)
	case ack := <-ch:
		if ack == nil {
			return nil, apierror.NewAPIError(apierror.ErrLinkUnavailable, "Central link dropped while awaiting acknowledgment", nil)
		}
		return ack, nil
	}
}

func (l *Link) dropPending(messageID string) {
	l.mu.Lock()
	delete(l.pending, messageID)
	l.mu.Unlock()
}

// failPending wakes every in-flight request after a disconnect. The nil ack
// tells the waiter the link is gone rather than the ack merely late.
func (l *Link) failPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = make(map[string]chan *model.AckPayload)
	l.mu.Unlock()
	for _, ch := range pending {
		ch <- nil
	}
}

func (l *Link) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			envelope, err := model.MarshalEnvelope(model.MsgStationHeartbeat, model.HeartbeatPayload{SentAt: time.Now()})
			if err != nil {
				continue
			}
			envelope.MessageID = model.GenerateUUIDWithSuffix("msg")
			if err := l.write(conn, envelope); err != nil {
				logrus.Warnf("Central heartbeat failed: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// sendIPUpdate advertises the station's public address after every
// reconnect so peers can reach the node on its current endpoint.
func (l *Link) sendIPUpdate() {
	if l.address == "" {
		return
	}
	envelope, err := model.MarshalEnvelope(model.MsgIPUpdate, model.IPUpdatePayload{
		StationID: l.stationID,
		Address:   l.address,
	})
	if err != nil {
		return
	}
	envelope.MessageID = model.GenerateUUIDWithSuffix("msg")
	if err := l.writeCurrent(envelope); err != nil {
		logrus.Warnf("Failed to send ip update: %v", err)
	}
}

func (l *Link) write(conn *websocket.Conn, envelope *model.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(envelope)
}

func (l *Link) writeCurrent(envelope *model.Envelope) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return apierror.NewAPIError(apierror.ErrLinkUnavailable, "Central link is not connected", nil)
	}
	return l.write(conn, envelope)
}

func (l *Link) setState(state LinkState) {
	l.mu.Lock()
	if l.state == state {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.mu.Unlock()
	logrus.Infof("Central link %s", state)
	if l.onStateChange != nil {
		l.onStateChange(state)
	}
}
