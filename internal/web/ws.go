package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleWS streams a snapshot on connect and after every state change until
// the client disconnects or the controller shuts down.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("web: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead answers control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	changes := h.ctrl.Watch(ctx)

	if err := h.push(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.push(ctx, conn); err != nil {
				return
			}
		}
	}
}

func (h *Handler) push(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(ctx, conn, h.ctrl.Snapshot())
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		slog.Debug("web: snapshot push failed", "err", err)
	}
	return err
}
