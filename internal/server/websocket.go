package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStreamEvents implements GET /streams/{id}/events.
// Every smoothed result of the stream is written as a JSON text message.
// With ?new_only=true only confirmed detections are sent.
func (h *HTTPServer) handleStreamEvents(w http.ResponseWriter, r *http.Request, idStr string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := h.lookupSession(w, idStr)
	if !ok {
		return
	}

	newOnly := r.URL.Query().Get("new_only") == "true"

	sub, err := session.Subscribe()
	if err != nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}
	defer session.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("WebSocket upgrade failed",
			slog.Uint64("stream_id", uint64(session.ID)),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	h.logger.Info("Event subscriber connected",
		slog.Uint64("stream_id", uint64(session.ID)),
		slog.String("remote", conn.RemoteAddr().String()),
	)

	// Clients only send control frames; the read loop notices disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)

		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if newOnly && !event.IsNewCommand {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("Event write failed", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case <-done:
			h.logger.Info("Event subscriber disconnected",
				slog.Uint64("stream_id", uint64(session.ID)),
			)
			return

		case <-h.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
