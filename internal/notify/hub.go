package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType identifies a hub broadcast.
type MessageType string

const (
	// MessageNotification carries a user-facing notification.
	MessageNotification MessageType = "notification"

	// MessageSectionStatus reports a section status transition.
	MessageSectionStatus MessageType = "section_status"

	// MessageCacheEvent reports an optimistic cache change.
	MessageCacheEvent MessageType = "cache_event"

	// MessageHello is sent to each client when it connects.
	MessageHello MessageType = "hello"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const broadcastBuffer = 100

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub's logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithNow sets the hub's timestamp source.
func WithNow(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// Hub streams editor activity to WebSocket clients.
//
// Hub implements Notifier, so it can sit alongside the log notifier in a
// Multi. Broadcasts are queued; a full queue drops the message rather
// than stall the editor.
//
// Thread-safety: All methods are safe for concurrent use.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	now      func() time.Time

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	seqMu sync.Mutex
	seq   int64

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loop   sync.Once
}

// NewHub creates a hub that will listen on addr (host:port).
func NewHub(addr string, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		addr:      addr,
		logger:    slog.Default(),
		now:       time.Now,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, broadcastBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler returns the hub's HTTP routes: /ws and /health. It starts the
// broadcast loop, so a hub mounted on an external server works without
// Start.
func (h *Hub) Handler() http.Handler {
	h.startLoop()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

func (h *Hub) startLoop() {
	h.loop.Do(func() {
		h.wg.Add(1)
		go h.broadcastLoop()
	})
}

// Start listens on the configured address and serves Handler.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	h.listener = ln
	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("hub server failed", "error", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (h *Hub) Stop(ctx context.Context) error {
	h.cancel()

	h.clientsMu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	// Close waits for the peer's close frame, so clients close in parallel.
	var closing sync.WaitGroup
	for _, conn := range clients {
		closing.Add(1)
		go func() {
			defer closing.Done()
			_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		}()
	}
	closing.Wait()

	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown hub: %w", err)
		}
	}
	h.wg.Wait()
	h.logger.Info("hub stopped")
	return nil
}

// Addr returns the listening address once started.
func (h *Hub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Publish queues a message of type typ with data marshalled as JSON.
func (h *Hub) Publish(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("marshal hub message", "type", string(typ), "error", err)
		return
	}
	msg := h.stamp(Message{Type: typ, Data: raw})
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("hub queue full, dropping message", "type", string(typ))
	}
}

// Notify implements Notifier.
func (h *Hub) Notify(kind Kind, msg string) {
	h.Publish(MessageNotification, Note{Kind: kind, Message: msg})
}

func (h *Hub) stamp(m Message) Message {
	h.seqMu.Lock()
	h.seq++
	m.Seq = h.seq
	h.seqMu.Unlock()
	m.Timestamp = h.now()
	return m
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Warn("marshal hub frame", "error", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Debug("send to hub client failed", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	hello, _ := json.Marshal(h.stamp(Message{Type: MessageHello}))
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	// Registered after hello so the first frame a client reads is always
	// the hello.
	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Debug("hub client connected", "clients", count)

	go h.readLoop(conn)
}

// readLoop detects disconnects; clients never send anything meaningful.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("hub client disconnected", "clients", count)
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": h.ClientCount(),
	})
}
