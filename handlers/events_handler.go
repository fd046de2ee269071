package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/atlasconnect/pam/middleware"
	"github.com/atlasconnect/pam/services/stream"
	"github.com/atlasconnect/pam/utils"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// EventsHandler streams committed ledger entries over websocket
type EventsHandler struct {
	hub            *stream.Hub
	originPatterns []string
	logger         *zap.Logger
}

// NewEventsHandler creates a handler. hub may be nil when streaming is disabled.
func NewEventsHandler(hub *stream.Hub, originPatterns []string, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, originPatterns: originPatterns, logger: logger}
}

// HandleStream handles GET /api/v1/events. Without session_id the caller
// needs an oversight role; technicians may follow their own session.
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		_ = utils.WriteServiceUnavailable(w, "stream unavailable")
		return
	}
	claims, ok := principal(w, r)
	if !ok {
		return
	}
	session, err := utils.ParseUUID(r, "session_id")
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if session == nil && !claims.HasRole(middleware.RoleApprover, middleware.RoleAuditor, middleware.RoleAdmin) {
		_ = utils.WriteForbidden(w, "session_id is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.hub.Subscribe(session)
	defer h.hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))

	// drain client frames so close handshakes and pings are processed
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
