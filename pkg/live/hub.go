// Package live streams pipeline events to the local UI over WebSocket.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// Event types
const (
	EventSample         = "sample"
	EventPollError      = "poll_error"
	EventBucketComplete = "bucket_complete"
)

// Event is one message on the wire
type Event struct {
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Sample    *telemetry.Sample     `json:"sample,omitempty"`
	Bucket    *telemetry.HourBucket `json:"bucket,omitempty"`
	Error     string                `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (non-browser clients like curl, testing tools)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Hub manages WebSocket connections for live updates
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
	logger     *slog.Logger

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. All data frames are written from here.
// Once Run returns, new connections are closed on arrival.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			h.drainRegistrations()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket client connected", "total", count)
		case conn := <-h.unregister:
			h.remove(conn)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("websocket write error", "error", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.remove(conn)
			}
		}
	}
}

// drainRegistrations closes connections queued after the last loop pass.
func (h *Hub) drainRegistrations() {
	for {
		select {
		case conn := <-h.register:
			conn.Close()
		default:
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("websocket client disconnected", "total", count)
	}
}

// Publish queues an event for every connected client. Events are dropped
// when nobody is listening or the queue is full.
func (h *Hub) Publish(ev Event) {
	if !h.HasClients() {
		return
	}

	message, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode live event", "type", ev.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", ev.Type)
	}
}

// SampleAccepted publishes an accepted sample
func (h *Hub) SampleAccepted(sample telemetry.Sample, bucket telemetry.HourBucket) {
	b := bucket
	b.Samples = nil // the UI tracks samples itself; send only the averages
	h.Publish(Event{Type: EventSample, Timestamp: sample.Timestamp, Sample: &sample, Bucket: &b})
}

// BucketComplete publishes a closed bucket
func (h *Hub) BucketComplete(bucket telemetry.HourBucket) {
	h.Publish(Event{Type: EventBucketComplete, Timestamp: bucket.End(), Bucket: &bucket})
}

// PollError publishes a failed poll cycle
func (h *Hub) PollError(err error) {
	h.Publish(Event{Type: EventPollError, Timestamp: time.Now(), Error: err.Error()})
}

// HasClients returns true if there are any connected WebSocket clients
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket upgrades the request and keeps the connection alive until
// the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		case <-h.done:
			conn.Close()
		}
	}()

	// WriteControl may run concurrently with the hub's data writes
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				// unblocks the read loop below
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(config.WSWriteDeadline)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "error", err)
			}
			return
		}
	}
}
