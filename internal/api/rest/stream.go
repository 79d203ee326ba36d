package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamMessage is one frame on the audit stream
type StreamMessage struct {
	Type  string       `json:"type"`
	Event *audit.Event `json:"event,omitempty"`
}

// streamAudit upgrades to a websocket and forwards committed events that
// match the query filter. entity_id narrows the feed to one entity and its
// children. A subscriber that falls behind is disconnected with 1013.
func (h *handler) streamAudit(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		fail(w, r, h.logger, &errors.AppError{
			Type:       errors.ErrorTypeInternal,
			Code:       "STREAM_UNAVAILABLE",
			Message:    "audit streaming is not configured",
			StatusCode: http.StatusNotImplemented,
		})
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	// Subscribed before the handshake completes so no event committed after
	// the client sees the upgrade is missed
	sub := h.stream.Subscribe(events.StreamFilter{
		EntityID: r.URL.Query().Get("entity_id"),
		Filter:   filter,
	}, h.buffer)
	defer h.stream.Unsubscribe(sub.ID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("audit stream upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("subscription", sub.ID.String()), zap.String("actor", actor(r).ID))
	logger.Info("audit stream opened")
	defer logger.Info("audit stream closed")

	done := make(chan struct{})
	go readPump(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := websocket.CloseGoingAway, "stream closed"
				if sub.Lagged() {
					code, reason = websocket.CloseTryAgainLater, "subscriber fell behind"
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := conn.WriteJSON(StreamMessage{Type: "event", Event: e}); err != nil {
				logger.Debug("audit stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames so pongs and the client's close are seen
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
