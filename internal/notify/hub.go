package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/domain/repository"
	"ScreenPulse/pkg/logger"
)

const (
	msgStatusUpdate      = "status_update"
	msgMetricsUpdate     = "metrics_update"
	msgSignalCreated     = "signal_created"
	msgAnalysisCompleted = "analysis_completed"

	clientSendBuffer = 32
	writeWait        = 5 * time.Second
)

// envelope is the wire frame for every outbound notification.
type envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub broadcasts machine events to connected websocket clients and feeds
// their inbound control commands to the orchestrator. Broadcasts are
// best-effort: a client that cannot keep up is disconnected rather than
// allowed to stall the rest.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	commands chan repository.Command
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:      log.With("notify_hub"),
		clients:  make(map[*client]struct{}),
		commands: make(chan repository.Command, 16),
	}
}

// Register adopts an upgraded websocket connection. The hub owns the
// connection from here on and closes it on shutdown or write failure.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
	h.log.Info("client connected", logger.Int("clients", count))
}

func (h *Hub) writeLoop(c *client) {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(c, err)
			return
		}
	}
	c.conn.Close()
}

func (h *Hub) readLoop(c *client) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			h.drop(c, err)
			return
		}

		var cmd repository.Command
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Type == "" {
			h.log.Debug("ignoring malformed command")
			continue
		}
		select {
		case h.commands <- cmd:
		default:
			h.log.Warn("command channel full, dropping",
				logger.String("type", string(cmd.Type)))
		}
	}
}

func (h *Hub) drop(c *client, err error) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if present {
		c.conn.Close()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			h.log.Debug("client dropped", logger.Error(err))
		}
	}
}

func (h *Hub) broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(envelope{Type: msgType, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.log.Warn("marshal broadcast failed",
			logger.String("type", msgType),
			logger.Error(err))
		return
	}

	h.mu.Lock()
	var stalled []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	for _, c := range stalled {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range stalled {
		c.conn.Close()
		h.log.Warn("disconnected stalled client")
	}
}

func (h *Hub) BroadcastStatusUpdate(status string, capacity int, uptime time.Duration) {
	h.broadcast(msgStatusUpdate, map[string]interface{}{
		"status":         status,
		"capacity":       capacity,
		"uptime_seconds": uptime.Seconds(),
	})
}

func (h *Hub) BroadcastMetricsUpdate(sample models.MetricSample) {
	h.broadcast(msgMetricsUpdate, sample)
}

func (h *Hub) BroadcastSignalCreated(signal *models.Signal) {
	h.broadcast(msgSignalCreated, signal)
}

func (h *Hub) BroadcastAnalysisCompleted(result *models.AnalysisResult) {
	h.broadcast(msgAnalysisCompleted, result)
}

// Commands yields inbound control commands from any connected client.
func (h *Hub) Commands() <-chan repository.Command {
	return h.commands
}

// ClientCount reports connected clients, for the status surface.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		close(c.send)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	return nil
}
