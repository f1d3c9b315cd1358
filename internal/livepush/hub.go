// Package livepush implements the optional WebSocket transport for
// message-pickup 3.0's live-delivery-change (spec §9 open question:
// "referenced but no transport is wired... MAY push on change"). A
// Connection that has live_delivery set MAY have RoutedMessages pushed to
// it as they arrive instead of waiting for a delivery-request poll.
//
// Inverted from the teacher's phoenixChannel (channel.go), which dials
// out to a cloud-node: here the mediator is the server, agents dial in
// and identify themselves by DID, and the wire payload is a plain JSON
// envelope rather than the Phoenix Channel array protocol (the mediator
// speaks DIDComm-over-HTTP/WS per spec §6, not Layr8's cloud protocol).
package livepush

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layr8/didcomm-mediator/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod * 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub tracks one live WebSocket connection per agent DID and fans out
// pushed envelopes to whichever agent is currently connected.
type Hub struct {
	mu    sync.Mutex
	conns map[model.DID]*agentConn
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[model.DID]*agentConn)}
}

type agentConn struct {
	did  model.DID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// ServeHTTP upgrades the request to a WebSocket and registers it under
// the agent DID carried in the "did" query parameter. The connection is
// torn down, and deregistered, when the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("did")
	if did == "" {
		http.Error(w, "missing did query parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ac := &agentConn{
		did:  did,
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	h.register(ac)

	go ac.writePump()
	ac.readPump(h)
}

func (h *Hub) register(ac *agentConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[ac.did]; ok {
		old.close()
	}
	h.conns[ac.did] = ac
}

func (h *Hub) deregister(ac *agentConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.conns[ac.did]; ok && current == ac {
		delete(h.conns, ac.did)
	}
}

// Push writes payload to recipient's live connection, if one is
// currently registered. Returns false if the agent has no live
// connection, so the caller can fall back to leaving the message queued
// for a future delivery-request poll.
func (h *Hub) Push(recipient model.DID, payload []byte) bool {
	h.mu.Lock()
	ac, ok := h.conns[recipient]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ac.send <- payload:
		return true
	default:
		return false
	}
}

// readPump drains and discards inbound frames (the live-push channel is
// push-only from the mediator's side), and detects disconnection.
func (ac *agentConn) readPump(h *Hub) {
	defer func() {
		h.deregister(ac)
		ac.close()
	}()

	ac.conn.SetReadDeadline(time.Now().Add(pongWait))
	ac.conn.SetPongHandler(func(string) error {
		return ac.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ac.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes writes to the connection: pushed envelopes and
// periodic pings, both of which must go through the same goroutine since
// gorilla/websocket forbids concurrent writers.
func (ac *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-ac.send:
			ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ac.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := ac.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ac.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ac.done:
			return
		}
	}
}

func (ac *agentConn) close() {
	select {
	case <-ac.done:
	default:
		close(ac.done)
		ac.conn.Close()
	}
}
