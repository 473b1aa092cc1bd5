package api

import (
	"time"

	"sagecoffee/internal/coordinator"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMsgSize       = 1 << 12
	snapshotInterval = 30 * time.Second
)

type wsEnvelope struct {
	Type string                       `json:"type"`
	Data map[string]coordinator.State `json:"data"`
}

// snapshot merges the caches of every loaded entry
func (s *Server) snapshot() map[string]coordinator.State {
	out := make(map[string]coordinator.State)
	for _, rt := range s.deps.Manager.LoadedEntries() {
		for serial, st := range rt.Coordinator.Data() {
			out[serial] = st
		}
	}
	return out
}

// handleWebSocket streams the merged cache on connect, after every change
// of a loaded entry and periodically to pick up entries loaded later
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	changed := make(chan struct{}, 1)
	notify := func(map[string]coordinator.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	for _, rt := range s.deps.Manager.LoadedEntries() {
		sub := rt.Coordinator.Subscribe(notify)
		defer sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(snapshotInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
	}()

	if err := s.sendSnapshot(conn); err != nil {
		s.logger.Debug("WebSocket initial write failed", zap.Error(err))
		return
	}

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-changed:
			if err := s.sendSnapshot(conn); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.sendSnapshot(conn); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) sendSnapshot(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(wsEnvelope{Type: "states", Data: s.snapshot()})
}
