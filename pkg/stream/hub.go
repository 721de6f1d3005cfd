package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/justin-oleary/fleetwatch/pkg/api"
	"github.com/justin-oleary/fleetwatch/pkg/metrics"
)

const (
	writeTimeout = 10 * time.Second

	// pongWait is how long a client may stay silent before it is treated
	// as gone. Pings go out at 90% of it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is how many snapshots a client may lag behind before it
	// is dropped.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy in front of the agent.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Snapshotter produces the status snapshot broadcast to clients.
type Snapshotter interface {
	Snapshot(ctx context.Context) api.SnapshotResponse
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string               `json:"event"`
	Data  api.SnapshotResponse `json:"data"`
}

// Hub pushes fleet snapshots to WebSocket clients. A snapshot goes out on
// the first tick after the fleet state changes; connecting clients always
// get the current one.
type Hub struct {
	source   Snapshotter
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	// last is the state fingerprint of the previous broadcast. Only Run
	// touches it.
	last []byte
}

// client.send is never closed; done marks the client as gone so no
// broadcast can block on or panic against a departed client.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// New creates a Hub that reads from source every interval.
func New(source Snapshotter, interval time.Duration) *Hub {
	return &Hub{
		source:   source,
		interval: interval,
		logger:   slog.Default(),
		clients:  make(map[*client]struct{}),
	}
}

// WithLogger swaps the hub's logger.
func (h *Hub) WithLogger(l *slog.Logger) *Hub {
	h.logger = l
	return h
}

// Run broadcasts until ctx is cancelled, then disconnects every client.
// No snapshot is taken on ticks with no clients connected.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			if h.Count() > 0 {
				h.broadcast(ctx)
			}
		}
	}
}

// ServeHTTP upgrades the connection, sends the current snapshot, and then
// serves broadcasts until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := newClient(conn)
	if data, _, err := h.encode(r.Context()); err == nil {
		c.send <- data
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump(h.logger)
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		metrics.StreamClients.Set(float64(n))
	}
}

// broadcast queues the current snapshot on every client when the fleet
// state differs from the previous broadcast. Clients with a full buffer are
// dropped.
func (h *Hub) broadcast(ctx context.Context) {
	data, state, err := h.encode(ctx)
	if err != nil {
		h.logger.Error("stream: encode snapshot", "err", err)
		return
	}
	if bytes.Equal(state, h.last) {
		return
	}
	h.last = state

	var lagging []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.logger.Warn("stream: dropping client that fell behind", "buffered", sendBufSize)
		metrics.StreamClientsDropped.Inc()
		h.unregister(c)
	}
}

// encode returns the wire message and a fingerprint of the fleet state it
// carries. The fingerprint leaves out the generation time so unchanged
// fleets compare equal.
func (h *Hub) encode(ctx context.Context) (msg, state []byte, err error) {
	snap := h.source.Snapshot(ctx)
	msg, err = json.Marshal(Message{Event: "snapshot", Data: snap})
	if err != nil {
		return nil, nil, err
	}
	state, err = json.Marshal(struct {
		Health  api.HealthResponse   `json:"health"`
		Devices []api.DeviceResponse `json:"devices"`
	}{snap.Health, snap.Devices})
	if err != nil {
		return nil, nil, err
	}
	return msg, state, nil
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.StreamClients.Set(0)
}

// writePump owns all writes to the connection. It exits when the client is
// closed or a write fails, and closing the connection ends readPump.
func (c *client) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("stream: write failed", "remote", c.conn.RemoteAddr().String(), "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames, keeps the pong deadline fresh and
// returns once the connection is gone.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
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
