// Package notifier delivers worker messages to connected pages over
// websocket and receives page commands.
package notifier

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/utils"
)

var (
	ErrNoSuchClient = errors.New("no such client")
	ErrHubClosed    = errors.New("hub closed")
)

type HubOpts struct {
	// OnMessage is called for every text message a page sends. It is
	// called from the client's read goroutine.
	OnMessage func(clientID string, msg []byte)

	// SendQueueSize is the number of pending messages per client. A client
	// whose queue is full is disconnected. Default is 64.
	SendQueueSize int

	// Default is 10s.
	WriteTimeout time.Duration

	// Default is 30s. Clients that do not answer pings within two intervals
	// are disconnected.
	PingInterval time.Duration

	// CheckOrigin is passed to the websocket upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	Logger *zap.Logger
}

func (opts *HubOpts) Init() {
	utils.SetDefaultNum(&opts.SendQueueSize, 64)
	utils.SetDefaultNum(&opts.WriteTimeout, 10*time.Second)
	utils.SetDefaultNum(&opts.PingInterval, 30*time.Second)
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

// ClientInfo describes a connected page.
type ClientInfo struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ConnectedAt time.Time `json:"connected_at"`
}

type client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	url         string // guarded by Hub.mu
	connectedAt time.Time
}

// Hub tracks connected pages. All methods are concurrent safe.
type Hub struct {
	opts     HubOpts
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

func NewHub(opts HubOpts) *Hub {
	opts.Init()
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects. The optional query parameter "url" sets the page url.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, h.opts.SendQueueSize),
		url:         r.URL.Query().Get("url"),
		connectedAt: time.Now(),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	h.opts.Logger.Debug("client connected", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

// unregisterLocked removes c and closes its send queue, which in turn
// stops its write pump. Caller must hold h.mu.
func (h *Hub) unregisterLocked(c *client) {
	if h.clients[c.id] != c {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.unregisterLocked(c)
	h.mu.Unlock()
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.opts.Logger.Debug("client disconnected", zap.String("client", c.id))
	}()

	deadline := 2 * h.opts.PingInterval
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.opts.Logger.Warn("client read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		if typ != websocket.TextMessage || h.opts.OnMessage == nil {
			continue
		}
		h.opts.OnMessage(c.id, msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast posts v as json to every connected page. It never blocks.
// Pages that cannot keep up are disconnected.
func (h *Hub) Broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.opts.Logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.opts.Logger.Warn("client send queue is full, disconnecting", zap.String("client", c.id))
			h.unregisterLocked(c)
		}
	}
}

// Send posts v as json to one page.
func (h *Hub) Send(clientID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return ErrNoSuchClient
	}
	select {
	case c.send <- b:
		return nil
	default:
		h.unregisterLocked(c)
		return ErrNoSuchClient
	}
}

// SetURL records the current url of a page.
func (h *Hub) SetURL(clientID, u string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if ok {
		c.url = u
	}
	return ok
}

// FindByURL returns the earliest connected page whose url contains s.
func (h *Hub) FindByURL(s string) (string, bool) {
	for _, ci := range h.Clients() {
		if len(ci.URL) > 0 && strings.Contains(ci.URL, s) {
			return ci.ID, true
		}
	}
	return "", false
}

// Clients lists connected pages, earliest connected first.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, ClientInfo{ID: c.id, URL: c.url, ConnectedAt: c.connectedAt})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every page. Later connections are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, c := range h.clients {
		h.unregisterLocked(c)
	}
	return nil
}
