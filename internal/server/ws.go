package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/sling/internal/events"
	"github.com/ehrlich-b/sling/internal/metrics"
	"github.com/ehrlich-b/sling/internal/protocol"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Outbound event buffer per subscriber. A subscriber that falls this
	// far behind is dropped and recovers via replay on reconnect.
	sendBuffer = 256

	// How many recent jobs are replayed to a fresh dashboard subscriber.
	jobReplayLimit = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Tickets carry the authorization, not the origin
	},
}

// WSHandler upgrades subscriber connections and bridges them to the event
// hub. Two endpoints: /ws/jobs streams the caller's job status changes,
// /ws/logs/{job_id} streams one job's log bursts. Both replay persisted
// state before live events so a reconnecting client misses nothing.
type WSHandler struct {
	hub     *events.Hub
	storage storage.Storage
	auth    *Authenticator
	log     *slog.Logger
}

// NewWSHandler creates a websocket handler.
func NewWSHandler(hub *events.Hub, store storage.Storage, auth *Authenticator, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		hub:     hub,
		storage: store,
		auth:    auth,
		log:     log,
	}
}

// ServeHTTP routes /ws/jobs and /ws/logs/{job_id}.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username, group, err := h.auth.ValidateTicket(r.URL.Query().Get("ticket"))
	if err != nil {
		http.Error(w, "invalid ticket", http.StatusUnauthorized)
		return
	}

	p := strings.TrimPrefix(r.URL.Path, "/ws")
	p = strings.TrimSuffix(p, "/")

	switch {
	case p == "/jobs":
		h.serveJobs(w, r, username, group)
	case strings.HasPrefix(p, "/logs/"):
		id, ok := parseID(w, strings.TrimPrefix(p, "/logs/"))
		if !ok {
			return
		}
		h.serveLogs(w, r, id, group)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *WSHandler) serveJobs(w http.ResponseWriter, r *http.Request, username, group string) {
	if group != protocol.UserGroup(username) {
		http.Error(w, "ticket group mismatch", http.StatusForbidden)
		return
	}

	// Replay is fetched before the upgrade so an HTTP error is still
	// possible.
	jobs, err := h.storage.ListRecentJobsByOwner(r.Context(), username, jobReplayLimit)
	if err != nil {
		h.log.Error("failed to load job replay", "username", username, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	replay := make([]any, 0, len(jobs))
	// Oldest first so the client applies them in order.
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		replay = append(replay, protocol.JobEvent{
			JobID:    j.ID,
			Title:    j.Title,
			Status:   string(j.Status),
			Modified: j.ModifiedAt,
		})
	}

	h.subscribe(w, r, group, replay)
}

func (h *WSHandler) serveLogs(w http.ResponseWriter, r *http.Request, jobID int64, group string) {
	if group != protocol.JobGroup(jobID) {
		http.Error(w, "ticket group mismatch", http.StatusForbidden)
		return
	}

	logs, err := h.storage.GetLogs(r.Context(), jobID)
	if err != nil {
		h.log.Error("failed to load log replay", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	replay := make([]any, 0, len(logs))
	for _, entry := range logs {
		replay = append(replay, protocol.LogEvent{
			LogID:   entry.ID,
			Time:    entry.Time,
			Content: entry.Content,
			Stream:  entry.Stream,
		})
	}

	h.subscribe(w, r, group, replay)
}

// subscribe upgrades the connection, sends the replay, then joins the group
// for live events. The client sees replay frames strictly before any live
// frame.
func (h *WSHandler) subscribe(w http.ResponseWriter, r *http.Request, group string, replay []any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	metrics.WSConnectionOpened()
	h.log.Debug("subscriber connected", "group", group)

	// The pump starts before replay so a long history cannot overflow the
	// send buffer.
	go client.writePump()

	for _, v := range replay {
		if err := client.SendEvent(v); err != nil {
			client.close()
			metrics.WSConnectionClosed()
			return
		}
	}

	h.hub.Subscribe(group, client)

	client.readPump() // blocks until the peer goes away

	h.hub.Unsubscribe(group, client)
	client.close()
	metrics.WSConnectionClosed()
	h.log.Debug("subscriber disconnected", "group", group)
}

// wsClient adapts one websocket connection to the hub's Subscriber
// interface. Events are marshalled to JSON text frames.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// SendEvent queues one event. A full buffer means the peer is not keeping
// up; the returned error makes the hub drop this subscriber.
func (c *wsClient) SendEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("subscriber too slow")
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes control frames and detects disconnect. Subscribers never
// send data frames; anything received is discarded.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close()
}
