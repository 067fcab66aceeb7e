package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	tailWriteWait  = 10 * time.Second
	tailPongWait   = 60 * time.Second
	tailPingPeriod = (tailPongWait * 9) / 10
	tailReadLimit  = 512
)

// Tail clients authenticate with bearer tokens rather than cookies, so the
// origin check adds nothing.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TailStream streams events committed to a stream after the connection was opened.
// GET /v1/streams/{id}/tail
//
// Each text frame is one event as JSON, in commit order. A client that falls
// behind is disconnected with close code 1013 and should reconnect and catch
// up through /v1/streams/{id}/events.
func (h *LedgerHandlers) TailStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := r.PathValue("id")

	if h.broadcaster == nil {
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Live tail is not enabled")
		return
	}

	// Verify stream exists
	if _, err := h.ledger.Stream(ctx, streamID); err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}

	// Subscribe before the handshake completes so nothing committed after the
	// client sees the upgrade is missed.
	sub := h.broadcaster.Subscribe(streamID)
	defer h.broadcaster.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"stream_id", streamID,
		)
		return
	}
	defer conn.Close()
	h.metrics.TailOpened()
	defer h.metrics.TailClosed()

	h.logger.InfoContext(ctx, "tail subscriber connected",
		"stream_id", streamID,
		"subscribers", h.broadcaster.ConnectionCount(streamID),
	)

	// Read loop: handles pongs and detects disconnect. Clients send nothing else.
	closed := make(chan struct{})
	conn.SetReadLimit(tailReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(tailPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tailPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.WarnContext(ctx, "tail connection closed unexpectedly",
						"error", err,
						"stream_id", streamID,
					)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(tailPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sub.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.DebugContext(ctx, "tail write failed", "error", err, "stream_id", streamID)
				return
			}
		case <-sub.Done():
			h.logger.InfoContext(ctx, "tail subscriber removed", "stream_id", streamID)
			closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription ended")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(tailWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tailWriteWait)); err != nil {
				return
			}
		case <-closed:
			h.logger.InfoContext(ctx, "tail subscriber disconnected", "stream_id", streamID)
			return
		}
	}
}
