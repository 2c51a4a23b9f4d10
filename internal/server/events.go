package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events as JSON messages. Optional doc and
// chunk query parameters filter the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	docFilter := r.URL.Query().Get("doc")
	chunkFilter := r.URL.Query().Get("chunk")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	events, cancel := s.bus.Subscribe(0)
	defer cancel()

	// the reader only notices the peer going away
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			doc, chunk := ev.Key()
			if (docFilter != "" && doc != docFilter) || (chunkFilter != "" && chunk != chunkFilter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.DebugContext(r.Context(), "websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
