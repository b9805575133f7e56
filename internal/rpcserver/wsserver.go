package rpcserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codexdrive/core/internal/approval"
)

// wsMessage is the envelope a connection's Forwarder pushes for a
// server-initiated event: an addConversationListener event, or an
// approval dispatch routed through the broker.
type wsMessage struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Hub is both the Processor-wide conversation.Forwarder and the
// approval.Dispatcher for the websocket transport: one Processor has a
// single forwarder (SetForwarder) and one Broker has a single dispatcher,
// but both receive a connection ID per call, so the hub demultiplexes by
// connection rather than each connection installing its own. Construct it
// before the Broker/Processor it will be wired into, since both take it
// as a constructor argument.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewHub constructs an empty connection registry.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*wsConn)}
}

func (h *Hub) add(id string, c *wsConn) {
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Forward implements conversation.Forwarder by writing to the named
// connection's socket; an unknown or already-closed connection ID is
// silently dropped, the same tolerance internal/tui's Forward gives a
// cancelled context.
func (h *Hub) Forward(ctx context.Context, connectionID, method string, payload interface{}) error {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return c.writeJSON(wsMessage{Method: method, Params: payload})
}

// SendRequest implements approval.Dispatcher the same way Forward
// implements conversation.Forwarder: both just push a {method, params}
// frame down the named connection.
func (h *Hub) SendRequest(ctx context.Context, connectionID string, method approval.Method, params interface{}) error {
	return h.Forward(ctx, connectionID, string(method), params)
}

// wsConn serializes writes to one client's websocket.Conn; gorilla's
// *websocket.Conn forbids concurrent writers, and both the read loop's
// responses and the hub's pushed events write to the same connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The façade is meant for a co-located browser-based front end, not a
	// public endpoint; callers fronting it with a different-origin browser
	// client should replace CheckOrigin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSServer exposes a Processor as the alternate websocket transport for
// the JSON-RPC façade, alongside the in-process path: a
// browser-based front end that cannot hold an in-process Go reference to
// the Processor can instead dial this endpoint.
type WSServer struct {
	processor *Processor
	hub       *Hub
}

// NewWSServer serves p over websockets using hub as the connection
// registry. If p's Broker was constructed with hub as its Dispatcher
// (the normal wiring — build the Hub first), approval requests ride the
// same connection as conversation events and RPC responses; if hub is
// nil, one is created and installed as p's forwarder, matching the
// in-process default of having exactly one transport per Processor.
func NewWSServer(p *Processor, hub *Hub) *WSServer {
	if hub == nil {
		hub = NewHub()
	}
	p.SetForwarder(hub)
	return &WSServer{processor: p, hub: hub}
}

// ServeHTTP upgrades the request to a websocket and serves one connection:
// every text frame is decoded as a Request and dispatched through the
// Processor, with the Response written back as a frame, until the client
// disconnects.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	wc := &wsConn{conn: conn}
	s.hub.add(connID, wc)
	defer s.hub.remove(connID)

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.L().Debug("websocket read ended", zap.String("connection_id", connID), zap.Error(err))
			}
			return
		}
		req.ConnectionID = connID

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		resp := s.processor.Handle(ctx, req)
		cancel()

		if err := wc.writeJSON(resp); err != nil {
			zap.L().Debug("websocket write failed", zap.String("connection_id", connID), zap.Error(err))
			return
		}
	}
}
