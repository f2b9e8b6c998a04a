// Package wsfeed implements a server-side debug feed: every connected
// WebSocket client receives a copy of every record batch broadcast
// through it.
//
// Broadcaster is grounded on connection.client's gorilla/websocket
// usage, inverted from an outbound dialer to an inbound Upgrader, and
// on connection.manager's registry-of-live-connections shape for
// tracking which clients are still attached.
package wsfeed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config configures the broadcaster's upgrade and per-client write
// behavior.
type Config struct {
	// WriteTimeout bounds how long a single client write may block
	// before that client is dropped.
	WriteTimeout time.Duration
	// ClientBufferSize is the per-client outbound queue depth; a
	// client that falls this far behind is disconnected rather than
	// allowed to apply backpressure to the whole feed.
	ClientBufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     5 * time.Second,
		ClientBufferSize: 256,
	}
}

// Broadcaster accepts WebSocket upgrades and fans every Broadcast
// payload out to all currently-connected clients.
type Broadcaster struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

// NewBroadcaster constructs a Broadcaster. A nil logger defaults to
// slog.Default().
func NewBroadcaster(cfg Config, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and
// registers it to receive every future Broadcast.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("wsfeed upgrade failed", "err", err)
		return
	}

	c := &client{
		conn: conn,
		out:  make(chan []byte, b.cfg.ClientBufferSize),
		done: make(chan struct{}),
	}
	b.register(c)

	go b.writeLoop(c)
	b.readLoop(c) // blocks until the client disconnects
}

func (b *Broadcaster) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
	b.logger.Debug("wsfeed client connected", "clients", len(b.clients))
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
	b.logger.Debug("wsfeed client disconnected", "clients", len(b.clients))
}

// readLoop does nothing with incoming frames beyond detecting
// disconnection — this feed is one-directional.
func (b *Broadcaster) readLoop(c *client) {
	defer func() {
		close(c.done)
		b.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// Broadcast fans payload out to every connected client. A client
// whose outbound queue is already full is dropped rather than slowing
// down everyone else.
func (b *Broadcaster) Broadcast(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.out <- payload:
		default:
			delete(b.clients, c)
			close(c.done)
			c.conn.Close()
			b.logger.Warn("wsfeed client dropped, outbound queue full")
		}
	}
}

// Send implements subscriber.Sender by broadcasting payload to every
// connected debug client; wsfeed does not depend on the subscriber
// package, so this satisfies that interface structurally.
func (b *Broadcaster) Send(ctx context.Context, payload []byte) error {
	b.Broadcast(payload)
	return nil
}

// ClientCount reports how many clients are currently connected.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
