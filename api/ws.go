package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/qsrgraph/qsrgraph/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The service sits behind the restaurant gateway; origin policy is
	// enforced there.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleProgress streams progress updates for one process. A plain GET
// (no upgrade headers) returns the current snapshot, so the same URL
// serves both polling and streaming clients. The stream replays the
// latest snapshot on connect and closes itself after the terminal update.
func (s *Server) handleProgress(c echo.Context) error {
	id := c.Param("id")
	_, known := s.deps.Bus.Snapshot(id)
	if !known {
		if _, exists := s.deps.Pipeline.Registry().Get(id); !exists {
			return c.JSON(http.StatusNotFound, errorResponse{
				Error: "unknown process", Kind: string(common.KindInvalidInput),
			})
		}
	}

	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return s.handleStatus(c)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // the upgrader already wrote the error response
	}
	defer conn.Close()

	ch, cancel := s.deps.Bus.Subscribe(id)
	defer cancel()

	// Drain client frames so close handshakes and pongs are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				s.wsClose(conn, "stream ended")
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(u); err != nil {
				return nil
			}
			if u.Terminal {
				s.wsClose(conn, "processing finished")
				return nil
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-clientGone:
			return nil
		}
	}
}

func (s *Server) wsClose(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
