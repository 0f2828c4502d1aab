package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/garehq/gare"
	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/model"
)

// authWait bounds how long a fresh socket may take to present credentials.
const authWait = 30 * time.Second

// Outbound queue priorities. Backfill must never starve live updates or
// operation outcomes.
const (
	backfillPriority = 1
	updatePriority   = 5
	responsePriority = 9
)

// snapshotEntityTypes is the default backfill set for sync requests that do
// not narrow their interest.
var snapshotEntityTypes = []model.EntityType{
	model.EntityDestination,
	model.EntityVehicle,
	model.EntityBooking,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Counter and mobile clients connect from device-local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway terminates local client sockets. It demultiplexes the inbound
// protocol into coordinator and snapshot store calls and fans internal
// events back out through the pool manager. It keeps no state of its own
// beyond the live connections.
type Gateway struct {
	service *gare.Gare
	pool    *Manager
	secret  string
}

// NewGateway wires the gateway to the station service and a pool manager.
func NewGateway(service *gare.Gare, pool *Manager, conf *config.Configuration) *Gateway {
	return &Gateway{
		service: service,
		pool:    pool,
		secret:  conf.Server.SecretKey,
	}
}

// Pool exposes the connection pool manager, mainly for status reporting.
func (g *Gateway) Pool() *Manager {
	return g.pool
}

// Start subscribes the gateway to internal events and launches the pool's
// flush and sweep loops.
func (g *Gateway) Start(ctx context.Context) {
	events, cancel := g.service.Events().Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				g.handleEvent(event)
			}
		}
	}()
	g.pool.Start(ctx)
}

// Handler upgrades an HTTP request to a websocket session and serves it
// until the peer disconnects.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logrus.Warnf("Websocket upgrade failed: %v", err)
			return
		}
		g.serveConn(c.Request.Context(), conn)
	}
}

func (g *Gateway) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	connectionID := model.GenerateUUIDWithSuffix("conn")
	if err := writeEnvelope(conn, mustEnvelope(model.MsgConnected, model.ConnectedPayload{ConnectionID: connectionID})); err != nil {
		return
	}

	client, err := g.authenticate(conn, connectionID)
	if err != nil {
		logrus.Infof("Client authentication failed: %v", err)
		return
	}
	defer g.pool.Remove(client.ID, "connection closed")

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var envelope model.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Warnf("Client %s read error: %v", client.ID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		client.Touch()
		g.dispatch(ctx, client, &envelope)
	}
}

// authenticate runs the pre-admission handshake: the first frame must be an
// authenticate message carrying the station secret and a declared category.
func (g *Gateway) authenticate(conn *websocket.Conn, connectionID string) (*Client, error) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(authWait))

	var envelope model.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		return nil, err
	}
	if envelope.Type != model.MsgAuthenticate {
		_ = writeEnvelope(conn, mustEnvelope(model.MsgAuthError, model.AuthResultPayload{Error: "authenticate first", Code: "UNAUTHORIZED"}))
		return nil, fmt.Errorf("expected %s frame, got %s", model.MsgAuthenticate, envelope.Type)
	}
	var payload model.AuthenticatePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		_ = writeEnvelope(conn, mustEnvelope(model.MsgAuthError, model.AuthResultPayload{Error: "malformed authenticate payload", Code: string(apierror.ErrInvalidInput)}))
		return nil, err
	}
	if g.secret != "" && subtle.ConstantTimeCompare([]byte(payload.Token), []byte(g.secret)) != 1 {
		_ = writeEnvelope(conn, mustEnvelope(model.MsgAuthError, model.AuthResultPayload{Error: "invalid token", Code: "UNAUTHORIZED"}))
		return nil, fmt.Errorf("invalid token for connection %s", connectionID)
	}
	if payload.ClientID != "" {
		connectionID = payload.ClientID
	}

	category := model.ParseClientCategory(payload.Category)
	client, err := g.pool.Admit(connectionID, category, conn)
	if err != nil {
		_ = writeEnvelope(conn, mustEnvelope(model.MsgAuthError, model.AuthResultPayload{Error: err.Error(), Code: string(apierror.Code(err))}))
		return nil, err
	}
	client.Authenticate()
	if err := client.WriteEnvelope(mustEnvelope(model.MsgAuthenticated, model.AuthResultPayload{ConnectionID: client.ID, Category: client.Category})); err != nil {
		g.pool.Remove(client.ID, "write failed")
		return nil, err
	}
	return client, nil
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, envelope *model.Envelope) {
	switch envelope.Type {
	case model.MsgHeartbeat:
		g.handleHeartbeat(client, envelope)
	case model.MsgSubscribe:
		g.handleSubscribe(client, envelope)
	case model.MsgUnsubscribe:
		client.ClearSubscription()
		g.respond(client, mustEnvelope(model.MsgSubscriptionConfirmed, model.SubscribePayload{}))
	case model.MsgResourceOperation:
		g.handleOperation(ctx, client, envelope)
	case model.MsgSyncRequest:
		g.handleSyncRequest(client, envelope)
	default:
		logrus.Debugf("Client %s sent unsupported message type %s", client.ID, envelope.Type)
	}
}

func (g *Gateway) handleHeartbeat(client *Client, envelope *model.Envelope) {
	var payload model.HeartbeatPayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			logrus.Debugf("Client %s sent malformed heartbeat: %v", client.ID, err)
		}
	}
	var rtt time.Duration
	if !payload.SentAt.IsZero() {
		rtt = time.Since(payload.SentAt)
	}
	tier := client.RecordLatency(rtt)
	ack := model.HeartbeatAckPayload{LatencyMs: rtt.Milliseconds(), Tier: tier, ServerAt: time.Now()}
	g.respond(client, mustEnvelope(model.MsgHeartbeatAck, ack))
}

func (g *Gateway) handleSubscribe(client *Client, envelope *model.Envelope) {
	var payload model.SubscribePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		logrus.Debugf("Client %s sent malformed subscribe: %v", client.ID, err)
		return
	}
	sub := payload.Subscription
	client.SetSubscription(&sub)
	g.respond(client, mustEnvelope(model.MsgSubscriptionConfirmed, model.SubscribePayload{Subscription: sub}))
}

// handleOperation submits a client operation to the coordinator and answers
// with the submission outcome. Terminal outcomes of queued work arrive later
// through the event pump.
func (g *Gateway) handleOperation(ctx context.Context, client *Client, envelope *model.Envelope) {
	var req model.ResourceOperationPayload
	if err := json.Unmarshal(envelope.Payload, &req); err != nil {
		g.respond(client, mustEnvelope(model.MsgOperationResponse, model.OperationResponsePayload{
			Error: "malformed resource_operation payload",
			Code:  string(apierror.ErrInvalidInput),
		}))
		return
	}
	if req.Priority == 0 {
		req.Priority = envelope.Priority
	}

	result, err := g.service.SubmitOperation(ctx, req, client.ID)
	if err != nil {
		g.respondOperationError(client, req, err)
		return
	}
	response := model.OperationResponsePayload{OperationID: result.OperationID, Status: result.Status, Error: result.Error}
	if result.Outcome == gare.OutcomeConflict {
		response.Code = string(apierror.ErrConflict)
	}
	g.respond(client, mustEnvelope(model.MsgOperationResponse, response))
}

func (g *Gateway) respondOperationError(client *Client, req model.ResourceOperationPayload, err error) {
	code := apierror.Code(err)
	if req.Kind == model.OpBooking && code == apierror.ErrConflict {
		conflict := model.BookingConflictPayload{
			DestinationID: req.ResourceID,
			ConflictType:  conflictReason(err),
			Message:       err.Error(),
		}
		g.respond(client, mustEnvelope(model.MsgBookingConflict, conflict))
		return
	}
	g.respond(client, mustEnvelope(model.MsgOperationResponse, model.OperationResponsePayload{
		OperationID: req.OperationID,
		Status:      model.OpFailed,
		Error:       err.Error(),
		Code:        string(code),
	}))
}

// handleSyncRequest backfills the client's view from the snapshot store.
// Snapshots ride the outbound queue at backfill priority so a large catch-up
// cannot crowd out live traffic.
func (g *Gateway) handleSyncRequest(client *Client, envelope *model.Envelope) {
	var payload model.SyncRequestPayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			logrus.Debugf("Client %s sent malformed sync_request: %v", client.ID, err)
			return
		}
	}
	types := payload.EntityTypes
	if len(types) == 0 {
		types = snapshotEntityTypes
	}
	sent := 0
	for _, entityType := range types {
		for _, snap := range g.service.Snapshots().List(entityType) {
			if payload.Since > 0 && snap.Version <= payload.Since {
				continue
			}
			update := model.DataUpdatePayload{
				EntityType: snap.EntityType,
				EntityID:   snap.EntityID,
				Action:     model.SyncUpdate,
				Payload:    snap.Payload,
				Version:    snap.Version,
			}
			client.Enqueue(mustEnvelope(model.MsgDataUpdate, update), backfillPriority)
			sent++
		}
	}
	logrus.Debugf("Queued %d snapshots for client %s", sent, client.ID)
}

// handleEvent translates internal events into outbound protocol messages.
func (g *Gateway) handleEvent(event gare.Event) {
	switch ev := event.(type) {
	case gare.SnapshotApplied:
		update := model.DataUpdatePayload{
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			Action:     ev.Action,
			Payload:    ev.Payload,
			Version:    ev.Version,
		}
		envelope := mustEnvelope(model.MsgDataUpdate, update)
		g.pool.Broadcast(envelope, updatePriority, func(c *Client) bool {
			return c.WantsUpdate(ev.EntityType, ev.EntityID)
		})
	case gare.OperationCompleted:
		g.notifyRequester(ev.Operation, true)
	case gare.OperationFailed:
		g.notifyRequester(ev.Operation, false)
	case gare.OperationConflict:
		g.notifyConflict(ev.Operation)
	}
}

// notifyRequester delivers a terminal operation outcome to the client that
// submitted it. Operations submitted over HTTP have no pooled requester and
// are skipped.
func (g *Gateway) notifyRequester(op model.Operation, completed bool) {
	client, ok := g.pool.Get(op.RequesterID)
	if !ok {
		return
	}
	response := model.OperationResponsePayload{OperationID: op.OperationID, Status: op.Status, Error: op.Error}
	if completed && op.Kind == model.OpBooking {
		client.Enqueue(mustEnvelope(model.MsgBookingSuccess, op.Result), responsePriority)
	} else {
		response.Result = op.Result
	}
	client.Enqueue(mustEnvelope(model.MsgOperationResponse, response), responsePriority)
}

func (g *Gateway) notifyConflict(op model.Operation) {
	client, ok := g.pool.Get(op.RequesterID)
	if !ok {
		return
	}
	if op.Kind == model.OpBooking {
		conflict := model.BookingConflictPayload{
			DestinationID: op.ResourceID,
			ConflictType:  apierror.ReasonBookingConflict,
			Message:       op.Error,
		}
		client.Enqueue(mustEnvelope(model.MsgBookingConflict, conflict), responsePriority)
		return
	}
	client.Enqueue(mustEnvelope(model.MsgOperationResponse, model.OperationResponsePayload{
		OperationID: op.OperationID,
		Status:      op.Status,
		Error:       op.Error,
		Code:        string(apierror.ErrConflict),
	}), responsePriority)
}

// respond writes a frame straight to the socket, bypassing the flush loop.
// Request replies stay prompt even when the queue is deep.
func (g *Gateway) respond(client *Client, envelope *model.Envelope) {
	if err := client.WriteEnvelope(envelope); err != nil {
		g.pool.Remove(client.ID, "write failed")
	}
}

// conflictReason extracts the typed sub-reason carried in a conflict error,
// falling back to the generic booking reason.
func conflictReason(err error) string {
	if apiErr, ok := err.(apierror.APIError); ok {
		if reason, ok := apiErr.Details.(string); ok && reason != "" {
			return reason
		}
	}
	return apierror.ReasonBookingConflict
}

// writeEnvelope writes one frame on a socket that is not yet admitted to a
// pool.
func writeEnvelope(conn *websocket.Conn, envelope *model.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(envelope)
}

// mustEnvelope wraps a payload that is known to marshal. A failure is a
// programming error; the frame still goes out, just empty.
func mustEnvelope(t model.MessageType, payload interface{}) *model.Envelope {
	envelope, err := model.MarshalEnvelope(t, payload)
	if err != nil {
		logrus.Errorf("Failed to marshal %s payload: %v", t, err)
		return model.NewEnvelope(t, nil)
	}
	return envelope
}
