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

package central

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

type centralSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *centralSession) send(envelope *model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(envelope)
}

// fakeCentral plays the coordinating server: it accepts one station auth
// per connection, acks heartbeats and syncs, and can be flipped into
// rejecting, nacking or silent modes mid-test.
type fakeCentral struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	acceptAuth bool
	ackSyncs   bool
	silent     bool
	dialCount  int
	sessions   []*centralSession

	inbound chan *model.Envelope
}

func newFakeCentral() *fakeCentral {
	f := &fakeCentral{
		acceptAuth: true,
		ackSyncs:   true,
		inbound:    make(chan *model.Envelope, 64),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeCentral) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeCentral) close() {
	f.srv.CloseClientConnections()
	f.srv.Close()
}

func (f *fakeCentral) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialCount
}

func (f *fakeCentral) setAcceptAuth(v bool) {
	f.mu.Lock()
	f.acceptAuth = v
	f.mu.Unlock()
}

func (f *fakeCentral) setAckSyncs(v bool) {
	f.mu.Lock()
	f.ackSyncs = v
	f.mu.Unlock()
}

func (f *fakeCentral) setSilent(v bool) {
	f.mu.Lock()
	f.silent = v
	f.mu.Unlock()
}

func (f *fakeCentral) push(envelope *model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return fmt.Errorf("no authenticated session to push to")
	}
	return f.sessions[len(f.sessions)-1].send(envelope)
}

func (f *fakeCentral) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.dialCount++
	f.mu.Unlock()
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var auth model.Envelope
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	f.mu.Lock()
	accept := f.acceptAuth
	f.mu.Unlock()
	session := &centralSession{conn: conn}
	if auth.Type != model.MsgStationAuth || !accept {
		reply, _ := model.MarshalEnvelope(model.MsgStationAuthOK, model.AckPayload{MessageID: auth.MessageID, OK: false, Error: "station credentials rejected"})
		_ = session.send(reply)
		return
	}
	reply, _ := model.MarshalEnvelope(model.MsgStationAuthOK, model.AckPayload{MessageID: auth.MessageID, OK: true})
	if err := session.send(reply); err != nil {
		return
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, session)
	f.mu.Unlock()

	for {
		var envelope model.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}
		select {
		case f.inbound <- &envelope:
		default:
		}
		f.mu.Lock()
		silent := f.silent
		acks := f.ackSyncs
		f.mu.Unlock()
		if silent {
			continue
		}
		switch envelope.Type {
		case model.MsgStationHeartbeat:
			ack, _ := model.MarshalEnvelope(model.MsgStationHeartbeatOK, model.AckPayload{MessageID: envelope.MessageID, OK: true})
			_ = session.send(ack)
		case model.MsgIPUpdate:
			ack, _ := model.MarshalEnvelope(model.MsgIPUpdateAck, model.AckPayload{MessageID: envelope.MessageID, OK: true})
			_ = session.send(ack)
		case model.MsgInstantSync:
			ack := model.AckPayload{MessageID: envelope.MessageID, OK: acks}
			if !acks {
				ack.Error = "duplicate sync"
			}
			out, _ := model.MarshalEnvelope(model.MsgInstantSyncAck, ack)
			_ = session.send(out)
		}
	}
}

func (f *fakeCentral) waitInbound(t *testing.T, msgType model.MessageType, timeout time.Duration) *model.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case envelope := <-f.inbound:
			if envelope.Type == msgType {
				return envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s from the link", msgType)
			return nil
		}
	}
}

func linkConfig(url string) *config.Configuration {
	return &config.Configuration{
		Station: config.StationConfig{ID: "st_gare_1", Secret: "central-secret", Address: "10.4.0.12:5003"},
		Central: config.CentralConfig{
			URL:                  url,
			HeartbeatIntervalSec: 1,
			BackoffInitialMs:     10,
			BackoffMaxMs:         50,
			AckTimeoutSec:        2,
		},
	}
}

func waitState(t *testing.T, states <-chan LinkState, want LinkState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for link state %s", want)
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLinkAuthenticatesAndHeartbeats(t *testing.T) {
	f := newFakeCentral()
	defer f.close()

	link := NewLink(linkConfig(f.url()))
	states := make(chan LinkState, 16)
	link.OnStateChange(func(state LinkState) { states <- state })
	authed := make(chan struct{}, 1)
	link.OnAuthenticated(func() { authed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	waitState(t, states, StateConnecting)
	waitState(t, states, StateConnected)
	waitState(t, states, StateAuthenticated)
	select {
	case <-authed:
	case <-time.After(2 * time.Second):
		t.Fatal("authenticated hook never fired")
	}

	update := f.waitInbound(t, model.MsgIPUpdate, 2*time.Second)
	var ip model.IPUpdatePayload
	require.NoError(t, json.Unmarshal(update.Payload, &ip))
	assert.Equal(t, "st_gare_1", ip.StationID)
	assert.Equal(t, "10.4.0.12:5003", ip.Address)

	beat := f.waitInbound(t, model.MsgStationHeartbeat, 3*time.Second)
	var hb model.HeartbeatPayload
	require.NoError(t, json.Unmarshal(beat.Payload, &hb))
	assert.False(t, hb.SentAt.IsZero())
	assert.Equal(t, StateAuthenticated, link.State())
}

func TestLinkAttemptCounterResetsOnlyOnAuth(t *testing.T) {
	f := newFakeCentral()
	defer f.close()
	f.setAcceptAuth(false)

	link := NewLink(linkConfig(f.url()))
	states := make(chan LinkState, 64)
	link.OnStateChange(func(state LinkState) { states <- state })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	waitUntil(t, 3*time.Second, func() bool { return link.Status().Attempt >= 3 },
		"attempt counter never reached 3 while auth was rejected")

	f.setAcceptAuth(true)
	waitState(t, states, StateAuthenticated)
	assert.Equal(t, 0, link.Status().Attempt)
	assert.False(t, link.Status().Paused)
}

func TestLinkPauseHoldsReconnectAndKeepsAttempt(t *testing.T) {
	f := newFakeCentral()
	defer f.close()
	f.setAcceptAuth(false)

	link := NewLink(linkConfig(f.url()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	waitUntil(t, 3*time.Second, func() bool { return link.Status().Attempt >= 2 },
		"attempt counter never reached 2 while auth was rejected")

	link.Pause()
	// Let the in-flight cycle drain before sampling the dial count.
	time.Sleep(150 * time.Millisecond)
	dialsWhilePaused := f.dials()
	attemptWhilePaused := link.Status().Attempt
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, dialsWhilePaused, f.dials())
	assert.True(t, link.Status().Paused)

	link.Resume()
	waitUntil(t, 3*time.Second, func() bool { return f.dials() > dialsWhilePaused },
		"link never dialed again after resume")
	assert.GreaterOrEqual(t, link.Status().Attempt, attemptWhilePaused)
}

func TestLinkSendSyncRoundTrip(t *testing.T) {
	f := newFakeCentral()
	defer f.close()

	link := NewLink(linkConfig(f.url()))
	states := make(chan LinkState, 16)
	link.OnStateChange(func(state LinkState) { states <- state })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)
	waitState(t, states, StateAuthenticated)

	syncOp := &model.SyncOperation{
		SyncID:     "sync_test_1",
		EntityType: model.EntityVehicle,
		EntityID:   "veh_1",
		Action:     model.SyncUpdate,
		Payload:    json.RawMessage(`{"available_seats":2}`),
		Version:    7,
	}
	require.NoError(t, link.SendSync(ctx, syncOp))

	sent := f.waitInbound(t, model.MsgInstantSync, 2*time.Second)
	var echoed model.SyncOperation
	require.NoError(t, json.Unmarshal(sent.Payload, &echoed))
	assert.Equal(t, "sync_test_1", echoed.SyncID)
	assert.NotEmpty(t, sent.MessageID)

	f.setAckSyncs(false)
	err := link.SendSync(ctx, syncOp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Contains(t, err.Error(), "duplicate sync")
}

func TestLinkSendSyncFailsWhenDisconnected(t *testing.T) {
	link := NewLink(linkConfig("ws://127.0.0.1:1/central"))

	err := link.SendSync(context.Background(), &model.SyncOperation{SyncID: "sync_offline"})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrLinkUnavailable, apierror.Code(err))
}

func TestLinkDeliversInboundSyncAndAcks(t *testing.T) {
	f := newFakeCentral()
	defer f.close()

	link := NewLink(linkConfig(f.url()))
	states := make(chan LinkState, 16)
	link.OnStateChange(func(state LinkState) { states <- state })
	received := make(chan *model.Envelope, 1)
	link.OnSync(func(ctx context.Context, envelope *model.Envelope) *model.AckPayload {
		received <- envelope
		return &model.AckPayload{OK: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)
	waitState(t, states, StateAuthenticated)

	envelope, err := model.MarshalEnvelope(model.MsgVehicleSyncUpdate, model.DataUpdatePayload{
		EntityType: model.EntityVehicle,
		EntityID:   "veh_9",
		Action:     model.SyncUpdate,
		Payload:    json.RawMessage(`{"status":"departed"}`),
		Version:    12,
	})
	require.NoError(t, err)
	envelope.MessageID = "msg_test_42"
	require.NoError(t, f.push(envelope))

	select {
	case delivered := <-received:
		assert.Equal(t, model.MsgVehicleSyncUpdate, delivered.Type)
		assert.Equal(t, "msg_test_42", delivered.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("sync handler never received the pushed update")
	}

	ackFrame := f.waitInbound(t, model.MsgVehicleSyncAck, 2*time.Second)
	var ack model.AckPayload
	require.NoError(t, json.Unmarshal(ackFrame.Payload, &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "msg_test_42", ackFrame.MessageID)
}

func TestLinkReconnectsWhenPeerGoesSilent(t *testing.T) {
	f := newFakeCentral()
	defer f.close()
	f.setSilent(true)

	link := NewLink(linkConfig(f.url()))
	states := make(chan LinkState, 64)
	link.OnStateChange(func(state LinkState) { states <- state })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	waitState(t, states, StateAuthenticated)

	// The silent peer trips the inbound cutoff, forcing a reconnect.
	waitState(t, states, StateDisconnected)
	f.setSilent(false)
	waitState(t, states, StateAuthenticated)
	assert.GreaterOrEqual(t, f.dials(), 2)
}
