package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/permission"
	"github.com/duh17/oppi-sub004/internal/session"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a single multiplexed `/stream` connection.
type Client struct {
	ID       string
	UserName string

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]protocol.SubscriptionLevel
	closed        bool

	logger *logger.Logger
}

func newClient(id, userName string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		UserName:      userName,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]protocol.SubscriptionLevel),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue serializes msg and places it on the client's outbound buffer,
// never blocking (spec §4.1 "subscribers must not block the translator").
func (c *Client) enqueue(msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(msg)
}

// enqueueLocked is enqueue's body for callers that already hold c.mu across
// a multi-frame sequence that must not be interleaved with a concurrent
// enqueue from another goroutine (see handleSubscribe).
func (c *Client) enqueueLocked(msg protocol.ServerMessage) {
	protocol.StampType(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}
	c.sendBytesLocked(data)
}

// sendBytesLocked assumes c.mu is already held.
func (c *Client) sendBytesLocked(data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump pumps frames from the socket into dispatch until the connection
// closes. A WS disconnect unsubscribes this client from every session but
// never stops those sessions (spec §5 "Cancellation").
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		msg, err := protocol.DecodeClientMessage(raw)
		if err != nil {
			c.enqueue(&protocol.ErrorMessage{Message: err.Error()})
			continue
		}

		// Handled in a goroutine so a slow RPC await doesn't stall the read
		// loop for unrelated sessions (spec §5 "cross-session parallelism").
		go c.dispatch(ctx, msg)
	}
}

// WritePump drains the outbound buffer to the socket with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("failed to write websocket message", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one decoded ClientMessage. Every path that passes its
// subscription check and carries a requestId ends in exactly one
// command_result with that id (spec §4.3 "requestId correlation is 1:1").
// A command refused by requireFullSubscription gets an error frame only;
// no command_result is sent for its requestId.
func (c *Client) dispatch(ctx context.Context, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case *protocol.Subscribe:
		c.handleSubscribe(m)
	case *protocol.Unsubscribe:
		c.handleUnsubscribe(m)
	case *protocol.GetState:
		c.handleGetState(m)
	case *protocol.Prompt:
		c.handleTurn(ctx, m.SessionID, m.RequestID, session.TurnPrompt, session.TurnRequest{
			ClientTurnID: m.ClientTurnID, RequestID: m.RequestID, Message: m.Message,
			Images: m.Images, StreamingBehavior: m.StreamingBehavior, Timestamp: m.Timestamp,
		})
	case *protocol.Steer:
		c.handleTurn(ctx, m.SessionID, m.RequestID, session.TurnSteer, session.TurnRequest{
			ClientTurnID: m.ClientTurnID, RequestID: m.RequestID, Message: m.Message,
			StreamingBehavior: m.StreamingBehavior, Timestamp: m.Timestamp,
		})
	case *protocol.FollowUp:
		c.handleTurn(ctx, m.SessionID, m.RequestID, session.TurnFollowUp, session.TurnRequest{
			ClientTurnID: m.ClientTurnID, RequestID: m.RequestID, Message: m.Message,
			StreamingBehavior: m.StreamingBehavior, Timestamp: m.Timestamp,
		})
	case *protocol.Stop:
		c.handleStop(ctx, m)
	case *protocol.StopSession:
		c.handleStopSession(ctx, m)
	case *protocol.PermissionResponse:
		c.handlePermissionResponse(m)
	case *protocol.ExtensionUIResponse:
		c.handleForward(ctx, m.SessionID, "extension_ui_response", m.RequestID, map[string]any{"id": m.ID, "data": m.Data})
	case *protocol.SetModel:
		c.handleForward(ctx, m.SessionID, "set_model", m.RequestID, map[string]any{"model": m.Model})
	case *protocol.SetThinkingLevel:
		c.handleForward(ctx, m.SessionID, "set_thinking_level", m.RequestID, map[string]any{"level": m.Level})
	case *protocol.Fork:
		c.handleForward(ctx, m.SessionID, "fork", m.RequestID, nil)
	default:
		c.enqueue(&protocol.ErrorMessage{Message: fmt.Sprintf("unsupported message type %q", msg.MsgType())})
	}
}

func (c *Client) commandFailure(requestID, command, errMsg string) {
	c.enqueue(&protocol.CommandResult{Command: command, RequestID: requestID, Success: false, Error: errMsg})
}

// requireFullSubscription enforces spec §4.3's "any session-scoped command
// received for a session not subscribed at full must be refused" rule.
func (c *Client) requireFullSubscription(sessionID string) bool {
	level, ok := c.subscriptionLevel(sessionID)
	if !ok || level != protocol.LevelFull {
		c.enqueue(&protocol.ErrorMessage{Message: fmt.Sprintf("not subscribed at level=full for session %s", sessionID)})
		return false
	}
	return true
}

func (c *Client) handleSubscribe(m *protocol.Subscribe) {
	if c.hub.manager == nil {
		c.commandFailure(m.RequestID, "subscribe", "session manager unavailable")
		return
	}
	s, ok := c.hub.manager.Get(m.SessionID)
	if !ok {
		c.commandFailure(m.RequestID, "subscribe", "session not found")
		return
	}
	if m.SinceSeq != nil && *m.SinceSeq < 0 {
		c.commandFailure(m.RequestID, "subscribe", "sinceSeq must be non-negative")
		return
	}

	// Registration and the bootstrap frames below must happen atomically
	// under c.mu: the instant subscribeLocked wires this client into
	// h.subs (and, for a session's first subscriber, wires the session's
	// own Subscribe callback into the hub), a Broadcast racing in from the
	// session's event-pump goroutine can reach deliverToSession and call
	// c.enqueue for the very same client. enqueue also takes c.mu, so
	// holding it across the whole sequence forces that racing frame to
	// queue behind Connected/snapshot/replay/command_result instead of
	// landing ahead of them (spec §4.3: no frame for a session is delivered
	// to the client before its connected frame).
	c.mu.Lock()
	c.hub.subscribeLocked(c, m.SessionID, m.Level)

	c.enqueueLocked(&protocol.Connected{CurrentSeq: s.CurrentSeq()})
	snapshot := s.Snapshot()
	c.enqueueLocked(&snapshot)

	if m.SinceSeq != nil && s.CanServeSince(*m.SinceSeq) {
		for _, rec := range s.ReplaySince(*m.SinceSeq) {
			c.enqueueLocked(rec.Event)
		}
	}
	// If the ring can't serve sinceSeq, the snapshot already sent above is
	// the resync: no replay frames, but command_result still reports success.

	c.enqueueLocked(&protocol.CommandResult{Command: "subscribe", RequestID: m.RequestID, Success: true})
	c.mu.Unlock()
}

func (c *Client) handleUnsubscribe(m *protocol.Unsubscribe) {
	c.hub.unsubscribe(c, m.SessionID)
	c.enqueue(&protocol.CommandResult{Command: "unsubscribe", RequestID: m.RequestID, Success: true})
}

func (c *Client) handleGetState(m *protocol.GetState) {
	if !c.requireFullSubscription(m.SessionID) {
		return
	}
	s, ok := c.hub.manager.Get(m.SessionID)
	if !ok {
		c.commandFailure(m.RequestID, "get_state", "session not found")
		return
	}
	snapshot := s.Snapshot()
	s.Broadcast(&snapshot)
	c.enqueue(&protocol.CommandResult{Command: "get_state", RequestID: m.RequestID, Success: true})
}

func (c *Client) handleTurn(ctx context.Context, sessionID, requestID string, kind session.TurnKind, req session.TurnRequest) {
	if !c.requireFullSubscription(sessionID) {
		return
	}
	command := string(kind)
	if err := c.hub.manager.SendTurn(ctx, sessionID, kind, req); err != nil {
		c.commandFailure(requestID, command, err.Error())
		return
	}
	c.enqueue(&protocol.CommandResult{Command: command, RequestID: requestID, Success: true})
}

func (c *Client) handleStop(ctx context.Context, m *protocol.Stop) {
	if !c.requireFullSubscription(m.SessionID) {
		return
	}
	if err := c.hub.manager.SendAbort(ctx, m.SessionID); err != nil {
		c.commandFailure(m.RequestID, "stop", err.Error())
		return
	}
	c.enqueue(&protocol.CommandResult{Command: "stop", RequestID: m.RequestID, Success: true})
}

func (c *Client) handleStopSession(ctx context.Context, m *protocol.StopSession) {
	if !c.requireFullSubscription(m.SessionID) {
		return
	}
	if err := c.hub.manager.StopSession(ctx, m.SessionID, "user requested"); err != nil {
		c.commandFailure(m.RequestID, "stop_session", err.Error())
		return
	}
	c.enqueue(&protocol.CommandResult{Command: "stop_session", RequestID: m.RequestID, Success: true})
}

func (c *Client) handlePermissionResponse(m *protocol.PermissionResponse) {
	if !c.requireFullSubscription(m.SessionID) {
		return
	}
	if c.hub.gate == nil {
		c.commandFailure(m.RequestID, "permission_response", "permission gate unavailable")
		return
	}
	ok := c.hub.gate.ResolveDecision(m.ID, permission.ResolveAction(m.Action), permission.ResolveScope(m.Scope), m.Pattern)
	c.enqueue(&protocol.CommandResult{Command: "permission_response", RequestID: m.RequestID, Success: ok})
}

func (c *Client) handleForward(ctx context.Context, sessionID, command, requestID string, payload map[string]any) {
	if !c.requireFullSubscription(sessionID) {
		return
	}
	if _, ok := c.hub.manager.Get(sessionID); !ok {
		c.commandFailure(requestID, command, "session not found")
		return
	}
	if err := c.hub.manager.ForwardClientCommand(ctx, sessionID, command, requestID, payload); err != nil {
		// Once the session is found, ForwardClientCommand broadcasts its own
		// command_result on every path; nothing further to send here.
		c.logger.Debug("forwarded command failed", zap.String("command", command), zap.Error(err))
	}
}
