package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	transportSSE = "sse"
	transportWS  = "websocket"

	// wsWriteWait bounds one frame write; a client that cannot drain a
	// snapshot inside it is disconnected rather than backpressured.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long a client may stay silent before the read
	// loop gives up on it.
	wsPongWait = 60 * time.Second
)

// handleDashboardStream serves the snapshot feed over SSE. Each client
// gets its own buffered subscription; the publisher drops it if the
// client stops draining, which ends the loop via channel close.
func (s *Server) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe seeds the channel with the current snapshot, so a new
	// client renders without waiting for the next publish tick.
	sub := s.publisher.Subscribe(s.cfg.StreamBuffer)
	defer sub.Close()

	s.metrics.streamOpened(transportSSE)
	defer s.metrics.streamClosed(transportSSE)

	keepalive := time.NewTicker(s.cfg.SSEKeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case snap, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.shutdown:
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
	return err
}

// handleDashboardWS serves the same feed over a WebSocket push. The
// client side is read only for control frames; anything else it sends is
// discarded.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(req *http.Request) bool { return s.originAllowed(req.Header.Get("Origin")) },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.publisher.Subscribe(s.cfg.StreamBuffer)
	defer sub.Close()

	s.metrics.streamOpened(transportWS)
	defer s.metrics.streamClosed(transportWS)

	// Reader goroutine: drains control traffic and surfaces the close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
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

	ping := time.NewTicker(wsPongWait / 3)
	defer ping.Stop()

	for {
		select {
		case snap, open := <-sub.C:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-s.shutdown:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// originAllowed mirrors the CORS origin list for WebSocket upgrades.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
