package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/obby/reload-hub/internal/hub"
	"github.com/rs/zerolog/log"
)

const (
	ssePingInterval = 30 * time.Second

	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server; pages are served from arbitrary local origins
	},
}

// wsCommand is a client-to-server WebSocket frame.
type wsCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// handleSSE streams hub messages as Server-Sent Events
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	topics := parseTopics(r)
	client := s.hub.NewClient(topics...)
	if err := s.hub.Register(client); err != nil {
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	log.Debug().Str("client_id", client.ID).Strs("topics", topics).Msg("SSE client connected")

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", client.ID)
	flusher.Flush()

	pingTicker := time.NewTicker(ssePingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				// Dropped by the hub (slow consumer or shutdown)
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Warn().Err(err).Msg("failed to encode SSE message")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data)
			flusher.Flush()

		case <-pingTicker.C:
			fmt.Fprintf(w, "event: ping\ndata: %s\n\n", time.Now().Format(time.RFC3339))
			flusher.Flush()

		case <-r.Context().Done():
			log.Debug().Str("client_id", client.ID).Msg("SSE client disconnected")
			return
		}
	}
}

// handleWebSocket streams hub messages as JSON text frames. Clients may send
// {"action":"subscribe"|"unsubscribe","topic":"..."} to change topics.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade WebSocket")
		return
	}

	client := s.hub.NewClient(parseTopics(r)...)
	if err := s.hub.Register(client); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	log.Debug().Str("client_id", client.ID).Msg("WebSocket client connected")

	go wsWritePump(conn, client)
	wsReadPump(conn, client)
	s.hub.Unregister(client)
	log.Debug().Str("client_id", client.ID).Msg("WebSocket client disconnected")
}

func wsReadPump(conn *websocket.Conn, client *hub.Client) {
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", client.ID).Msg("websocket read error")
			}
			return
		}
		switch cmd.Action {
		case "subscribe":
			client.Subscribe(cmd.Topic)
		case "unsubscribe":
			client.Unsubscribe(cmd.Topic)
		default:
			log.Debug().Str("action", cmd.Action).Msg("unknown websocket action")
		}
	}
}

func wsWritePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("client_id", client.ID).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
