package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/hub"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the app origin served elsewhere.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to hub.Conn. Frame and
// ping writes share one mutex because gorilla permits a single
// concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(frame hub.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// serveWS upgrades the request and registers the connection with the hub
// for the owner named in the query string. The handler then pumps reads
// to detect disconnects; clients are not expected to send data frames.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id query parameter required")
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{conn: raw}
	if err := s.hub.Subscribe(ownerID, conn); err != nil {
		s.logger.Warn("subscribe failed", zap.String("owner_id", ownerID), zap.Error(err))
		_ = conn.Close()
		return
	}

	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing)

	raw.SetReadLimit(1024)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			break
		}
	}
	close(stopPing)
	s.hub.Unsubscribe(ownerID, conn)
	_ = conn.Close()
}

func (s *Server) pingLoop(conn *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
