package api

import (
	"context"
	"time"

	"mediadl/task"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// snapshotMessage is the first message on every events connection.
type snapshotMessage struct {
	Kind  string      `json:"kind"`
	Tasks []task.Task `json:"tasks"`
}

// handleEvents streams task events over a websocket until the client goes
// away.
func (h *Handler) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := conn.CloseRead(c.Request.Context())
	events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(events)

	if err := write(ctx, conn, snapshotMessage{Kind: "tasks.snapshot", Tasks: h.taskManager.QueryAll()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
