package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/events"
	"github.com/opencowork/opencowork/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 64
)

// sessionEventStream streams a session's bus events over a websocket. Events
// the client cannot keep up with are dropped rather than blocking the bus.
func (h *Handlers) sessionEventStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.svc.GetSession(c.Request.Context(), sessionID, h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	send := make(chan *bus.Event, wsSendBuffer)
	sub, err := h.eventBus.Subscribe(events.SubjectSession(sessionID), func(ctx context.Context, event *bus.Event) error {
		select {
		case send <- event:
		default:
			h.logger.Debug("dropping slow websocket event",
				zap.String("session_id", sessionID),
				zap.String("type", event.Type))
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe to session events",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Drain the read side so close frames and pongs are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case event := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
