// Package udp implements the UDP datagram Sender used by subscribers
// that want their records pushed to a fixed host:port rather than
// pulled over the control surface.
//
// Endpoint has no teacher analogue — the corpus's transports are all
// TCP (REST, WebSocket) — so this is grounded directly on net.Conn's
// ordinary dial-once, write-many shape, following the same
// logger-defaults-to-slog.Default() and mutex-guarded-reconnect
// pattern connection.client uses for its own socket.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Endpoint sends each record batch as one UDP datagram to a fixed
// remote address. It satisfies subscriber.Sender without importing
// that package, so subscriber need not depend on any concrete
// transport.
type Endpoint struct {
	addr   string
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewEndpoint constructs an Endpoint targeting addr (host:port). The
// socket is dialed lazily, on the first Send.
func NewEndpoint(addr string, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{addr: addr, logger: logger}
}

// Send writes payload as a single UDP datagram, dialing the
// destination on first use and redialing once if the cached socket
// has gone bad.
func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	conn, err := e.connLocked()
	if err != nil {
		return err
	}
	if _, err := conn.Write(payload); err == nil {
		return nil
	}
	e.mu.Lock()
	e.conn = nil
	e.mu.Unlock()
	conn, err = e.connLocked()
	if err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
		return fmt.Errorf("udp: write to %s: %w", e.addr, err)
	}
	return nil
}

func (e *Endpoint) connLocked() (net.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := net.Dial("udp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", e.addr, err)
	}
	e.conn = conn
	e.logger.Debug("udp endpoint dialed", "addr", e.addr)
	return conn, nil
}

// Close releases the cached socket, if any.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}
