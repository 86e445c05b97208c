package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/dailyconnect/internal/core/state"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

func newUpgrader(anyOrigin bool) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if anyOrigin {
		u.CheckOrigin = func(*http.Request) bool { return true }
	}
	return u
}

// eventConn serializes writes to one websocket client.
type eventConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *eventConn) send(evt state.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(evt)
}

func (c *eventConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
}

// handleWebSocket streams EventBus events as JSON text frames until the
// client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &eventConn{ws: ws}
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	s.log.Info("websocket client connected", "remote", r.RemoteAddr)

	// Initial state so clients do not wait a full interval.
	if snap := s.poller.Snapshot(); snap != nil {
		if err := conn.send(state.Event{Type: state.EventSnapshotPublished, Timestamp: snap.FetchedAt, Data: snap}); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.log.Info("websocket client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := conn.send(evt); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
