package bridge

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/model"
)

// Push event names sent to the exam UI over /stream.
const (
	EventQueueStats      = "queue_stats"
	EventDeadlineTick    = "deadline_tick"
	EventDeadlineExpired = "deadline_expired"
	EventProctor         = "proctor_event"
	EventSyncFailure     = "sync_failure"
	EventConnectivity    = "connectivity"
)

// PushEnvelope is one server-to-UI stream message.
type PushEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// SyncFailureData surfaces an operation that left the retry path.
// Terminal distinguishes server rejection from retry exhaustion, so the UI
// can offer "retry now" only where it helps.
type SyncFailureData struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"`
	Terminal bool   `json:"terminal"`
	Error    string `json:"error"`
}

// Hub fans events out to connected UI stream clients. Slow or broken
// clients are dropped; the UI reconnects and re-reads current state over
// the REST endpoints.
type Hub struct {
	log zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "bridge_hub").Logger(),
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = &sync.Mutex{}
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// Broadcast pushes one event to every connected client.
func (h *Hub) Broadcast(event string, data interface{}) {
	env := PushEnvelope{Event: event, Data: data}

	h.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for conn, wmu := range h.conns {
		targets[conn] = wmu
	}
	h.mu.Unlock()

	for conn, wmu := range targets {
		wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteJSON(env)
		wmu.Unlock()
		if err != nil {
			h.log.Debug().Err(err).Msg("Dropping stream client")
			h.remove(conn)
		}
	}
}

// BroadcastStats pushes fresh queue counts.
func (h *Hub) BroadcastStats(stats model.QueueStats) {
	h.Broadcast(EventQueueStats, stats)
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}
