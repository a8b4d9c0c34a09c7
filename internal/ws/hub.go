package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards connect cross-origin
	},
}

// Hub maintains the set of active websocket clients and pushes alert-worthy
// evaluation events to all of them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run delivers broadcast messages until the broadcast channel is closed.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// A blocked client must not hang the whole feed.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Msg("Websocket write failed, dropping client")
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the request and registers the connection.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade websocket")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mutex.Unlock()

	log.Info().Int("clients", count).Msg("Websocket client connected")

	// The feed is push-only, but the read loop is what notices disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			count := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			log.Info().Int("clients", count).Msg("Websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debug().Err(err).Msg("Websocket read error")
				}
				return
			}
		}
	}()
}

// Broadcast queues raw bytes for delivery to every client.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("Websocket broadcast buffer full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Close stops Run after the queued messages drain.
func (h *Hub) Close() {
	close(h.broadcast)
}

// evaluationTailer is the slice of the stream client the feed needs.
type evaluationTailer interface {
	ReadEvaluations(ctx context.Context, lastID string, count int64, blockDuration time.Duration) ([]queue.EvaluationMessage, error)
}

// Tail follows the evaluation event stream and broadcasts every event that
// raised at least one alert. It blocks until the context is cancelled.
// Only events published after Tail starts are delivered.
func (h *Hub) Tail(ctx context.Context, stream evaluationTailer) {
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := stream.ReadEvaluations(ctx, lastID, 64, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to read evaluation events")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			lastID = msg.ID
			if msg.Event == nil || len(msg.Event.Alerts) == 0 {
				continue
			}
			h.publish(msg.Event)
		}
	}
}

func (h *Hub) publish(event *models.EvaluationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal evaluation event")
		return
	}
	h.Broadcast(data)
}
