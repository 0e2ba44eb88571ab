package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacklok/toolhive-ingest/internal/api/common"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/progress"
)

const (
	// sseHeartbeat is the interval of comment lines that keep idle SSE connections open
	sseHeartbeat = 15 * time.Second

	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed between pongs
	pongWait = 60 * time.Second

	// Must be less than pongWait
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (rr *Routes) subscribe(r *http.Request) *progress.Subscription {
	var opts []progress.SubscribeOption
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		opts = append(opts, progress.WithRunFilter(runID))
	}
	return rr.events.Subscribe(opts...)
}

// streamEvents handles GET /pipeline/events as a Server-Sent Events stream.
// With ?run_id= the stream ends after that run's terminal event.
func (rr *Routes) streamEvents(w http.ResponseWriter, r *http.Request) {
	if rr.events == nil {
		common.WriteErrorResponse(w, "progress events are not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		common.WriteErrorResponse(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	sub := rr.subscribe(r)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				logger.Debugf("SSE client went away: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event progress.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// streamEventsWS handles GET /pipeline/events/ws, sending each event as a JSON text frame
func (rr *Routes) streamEventsWS(w http.ResponseWriter, r *http.Request) {
	if rr.events == nil {
		common.WriteErrorResponse(w, "progress events are not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logger.Debugf("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := rr.subscribe(r)
	defer sub.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)
	writePump(conn, sub, closed)
}

// readPump discards client frames so pongs and close frames are processed
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("WebSocket read error: %v", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *progress.Subscription, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debugf("WebSocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
