// Package websocket implements the WS Multiplexer (spec §4.3): a single
// `/stream` socket per client, subscription-scoped event fan-out, and
// command routing into the Session Manager and Permission Gate.
package websocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/permission"
	"github.com/duh17/oppi-sub004/internal/session"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// sessionSub is a single client's subscription to a session's event stream.
type sessionSub struct {
	client *Client
	level  protocol.SubscriptionLevel
}

// Hub owns every live client connection and the session-subscription index
// used to fan events out to the right subscribers. Historical per-session
// stream endpoints are gone; every client multiplexes over this one Hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	// subs indexes subscriptions by sessionId -> clientID -> sessionSub, so
	// Broadcast/deliverToSession never need to scan every client.
	subs map[string]map[string]sessionSub

	// manager and gate are set once by the composition root via SetManager/
	// SetGate, after the Hub itself (needed as permission.Broadcaster) has
	// already been handed to permission.New.
	manager *session.Manager
	gate    *permission.Gate

	// forwarders holds the single session.Session.Subscribe unsubscribe
	// func for each session with at least one WS subscriber, so ring
	// events are pulled out of the session exactly once regardless of how
	// many clients are watching it.
	forwarders map[string]func()

	logger *logger.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		subs:       make(map[string]map[string]sessionSub),
		forwarders: make(map[string]func()),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetManager wires the Session Manager in once it has been constructed.
// Must be called before any client traffic is accepted.
func (h *Hub) SetManager(m *session.Manager) { h.manager = m }

// SetGate wires the Permission Gate in once it has been constructed.
func (h *Hub) SetGate(g *permission.Gate) { h.gate = g }

// register adds a newly-upgraded client to the hub.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("client registered", zap.String("client_id", c.ID))
}

// unregister drops a client and every subscription it held.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	var emptied []string
	for sessionID, clients := range h.subs {
		if _, ok := clients[c.ID]; ok {
			delete(clients, c.ID)
			if len(clients) == 0 {
				delete(h.subs, sessionID)
				emptied = append(emptied, sessionID)
			}
		}
	}
	h.mu.Unlock()

	for _, sessionID := range emptied {
		h.stopForwarding(sessionID)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
}

// subscribeLocked records that c wants sessionID's events at level,
// replacing any existing subscription level for the pair, and starts
// forwarding the session's events to the hub if this is the session's first
// subscriber. Callers must already hold c.mu: Client.handleSubscribe keeps
// it held across this call and the bootstrap frames that follow, so a
// Broadcast racing in right after this returns can't reach c.send ahead of
// those frames (deliverToSession's enqueue blocks on the same mutex).
func (h *Hub) subscribeLocked(c *Client, sessionID string, level protocol.SubscriptionLevel) {
	h.mu.Lock()
	_, hadSubscribers := h.subs[sessionID]
	if !hadSubscribers {
		h.subs[sessionID] = make(map[string]sessionSub)
	}
	h.subs[sessionID][c.ID] = sessionSub{client: c, level: level}
	h.mu.Unlock()

	c.subscriptions[sessionID] = level

	if !hadSubscribers {
		h.startForwarding(sessionID)
	}
}

// unsubscribe drops c's subscription to sessionID. Idempotent.
func (h *Hub) unsubscribe(c *Client, sessionID string) {
	h.mu.Lock()
	emptied := false
	if clients, ok := h.subs[sessionID]; ok {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(h.subs, sessionID)
			emptied = true
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()

	if emptied {
		h.stopForwarding(sessionID)
	}
}

// startForwarding subscribes once to the session's own fan-out so ring
// events reach this hub, which then re-fans them to WS subscribers
// filtered by level.
func (h *Hub) startForwarding(sessionID string) {
	if h.manager == nil {
		return
	}
	s, ok := h.manager.Get(sessionID)
	if !ok {
		return
	}
	unsubscribe := s.Subscribe(func(msg protocol.ServerMessage) {
		h.deliverFromSession(sessionID, msg)
	})

	h.mu.Lock()
	h.forwarders[sessionID] = unsubscribe
	h.mu.Unlock()
}

func (h *Hub) stopForwarding(sessionID string) {
	h.mu.Lock()
	unsubscribe, ok := h.forwarders[sessionID]
	delete(h.forwarders, sessionID)
	h.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// subscriptionLevel reports the level c is subscribed to sessionID at, or
// ("" , false) if not subscribed.
func (c *Client) subscriptionLevel(sessionID string) (protocol.SubscriptionLevel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	level, ok := c.subscriptions[sessionID]
	return level, ok
}

// Broadcast implements permission.Broadcaster: it delivers msg to every
// client subscribed to sessionID at any level, without touching the
// session's own event ring (permission_request/permission_expired are
// gate-originated, not ring-sequenced, per spec §4.4).
func (h *Hub) Broadcast(sessionID string, msg protocol.ServerMessage) {
	h.deliverToSession(sessionID, msg, false)
}

// deliverFromSession fans a ring-sequenced ServerMessage out to a session's
// subscribers. Delivery is filtered: level=notifications subscribers
// receive only the coarse subset in notificationKinds.
func (h *Hub) deliverFromSession(sessionID string, msg protocol.ServerMessage) {
	h.deliverToSession(sessionID, msg, true)
}

// notificationKinds is the reduced event set level=notifications
// subscribers receive: enough to drive a badge/inbox UI without the full
// token-by-token stream (spec is silent on the exact cut; this is the
// decision recorded in DESIGN.md's Open Questions section).
var notificationKinds = map[protocol.ServerMessageType]bool{
	protocol.TypeState:             true,
	protocol.TypeSessionEnded:      true,
	protocol.TypeAgentStart:        true,
	protocol.TypeAgentEnd:          true,
	protocol.TypeTurnEnd:           true,
	protocol.TypeStopRequested:     true,
	protocol.TypeStopConfirmed:     true,
	protocol.TypeStopFailed:        true,
	protocol.TypeError:             true,
	protocol.TypePermissionRequest: true,
	protocol.TypePermissionExpired: true,
}

func (h *Hub) deliverToSession(sessionID string, msg protocol.ServerMessage, filterNotifications bool) {
	h.mu.RLock()
	clients := make([]sessionSub, 0, len(h.subs[sessionID]))
	for _, sub := range h.subs[sessionID] {
		clients = append(clients, sub)
	}
	h.mu.RUnlock()

	for _, sub := range clients {
		if filterNotifications && sub.level == protocol.LevelNotifications && !notificationKinds[msg.Kind()] {
			continue
		}
		sub.client.enqueue(msg)
	}
}

// clientCount reports how many clients are currently connected.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
