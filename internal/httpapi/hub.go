package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// BroadcastHub relays messages between connected siblings. Every message
// read from one connection is written to all the others; the hub does not
// interpret payloads beyond requiring valid JSON.
type BroadcastHub struct {
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewBroadcastHub(logger *zap.Logger) *BroadcastHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastHub{
		logger: logger,
		conns:  map[*websocket.Conn]struct{}{},
	}
}

// Handle upgrades the request and pumps messages until the peer leaves.
func (h *BroadcastHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Debug("broadcast accept failed", zap.Error(err))
		return
	}
	if !h.register(conn) {
		_ = conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.unregister(conn)

	ctx := r.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText || !json.Valid(data) {
			continue
		}
		h.fanOut(ctx, conn, data)
	}
}

func (h *BroadcastHub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *BroadcastHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *BroadcastHub) fanOut(ctx context.Context, from *websocket.Conn, data []byte) {
	h.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		if conn != from {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			h.logger.Debug("broadcast write failed", zap.Error(err))
		}
	}
}

// ConnCount reports the number of connected siblings.
func (h *BroadcastHub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every sibling and rejects future connections.
func (h *BroadcastHub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = map[*websocket.Conn]struct{}{}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
