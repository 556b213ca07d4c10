package dashboard

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vulnwatch/opsdash/tasks"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleJobSocket streams a job's snapshots as JSON text frames. The current
// snapshot, if any, is sent first. Clients only ever read; anything they send
// is discarded.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	l, err := s.manager.Launcher(name)
	if err != nil {
		s.writeTaskError(w, fmt.Errorf("socket: %w", err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Debugw("websocket upgrade failed", "job", name, "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	logger := s.logger.With("job", name, "client", clientID)
	logger.Debugw("websocket client connected")
	defer logger.Debugw("websocket client disconnected")

	snapshots, unsub := l.Subscribe()
	defer unsub()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case t, ok := <-snapshots:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "launcher closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeSnapshot(conn, t); err != nil {
				logger.Debugw("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, t tasks.Task) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(t)
}
