package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
)

// Offerer accepts pushed items.
type Offerer interface {
	Offer(ctx context.Context, item Item) OfferResult
}

var _ Offerer = (*Pipeline)(nil)

// OfferReply answers one WebSocket frame.
type OfferReply struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// WebSocketHandler is the push ingest endpoint. Each text frame is an Item;
// each frame gets one OfferReply, in order.
type WebSocketHandler struct {
	offerer  Offerer
	upgrader websocket.Upgrader
	conns    *xsync.Map[string, *websocket.Conn]
	frames   atomic.Int64
	logger   *slog.Logger
}

// NewWebSocketHandler creates a handler offering into offerer.
func NewWebSocketHandler(offerer Offerer, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		offerer: offerer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// producers are other services, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  xsync.NewMap[string, *websocket.Conn](),
		logger: logger.With("component", "ingress-websocket"),
	}
}

// ServeHTTP upgrades the request and serves frames until the peer leaves.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	id := uuid.NewString()
	h.conns.Store(id, conn)
	defer func() {
		h.conns.Delete(id)
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxLineBytes)
	h.logger.Debug("Producer connected", "conn", id, "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Connection closed", "conn", id, "error", err)
			}
			return
		}
		if err := conn.WriteJSON(h.handleFrame(ctx, data)); err != nil {
			h.logger.Debug("Reply failed", "conn", id, "error", err)
			return
		}
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, data []byte) OfferReply {
	h.frames.Add(1)
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return OfferReply{Result: Failed.String(), Error: "invalid item: " + err.Error()}
	}
	if item.Type == "" {
		return OfferReply{ID: item.ID, Result: Failed.String(), Error: "missing type"}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	result := h.offerer.Offer(ctx, item)
	reply := OfferReply{ID: item.ID, Result: result.String()}
	if err := result.Err(); err != nil {
		reply.Error = err.Error()
	}
	return reply
}

// Frames returns the number of frames received.
func (h *WebSocketHandler) Frames() int64 { return h.frames.Load() }

// Close disconnects every open connection.
func (h *WebSocketHandler) Close() error {
	h.conns.Range(func(id string, conn *websocket.Conn) bool {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return true
	})
	return nil
}
