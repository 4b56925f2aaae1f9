package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned when sending or listening before Connect.
	ErrNotConnected = errors.New("ws: not connected")
	// ErrClosed is returned by Connect once Close has been called.
	ErrClosed = errors.New("ws: client closed")
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HandshakeTimeout bounds the opening handshake only. Established
	// sessions have no read deadline.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single outbound frame.
	WriteTimeout time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for a single market-data stream.
// Full-depth snapshots are large, so the read buffer is generous.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WSClient is a single WebSocket session. It does not reconnect: when the
// connection drops, Listen returns the cause and the client is spent.
type WSClient struct {
	cfg WSConfig

	mu   sync.RWMutex
	conn *websocket.Conn

	// writeMu serialises writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	closed atomic.Bool
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig) *WSClient {
	return &WSClient{cfg: cfg}
}

// Connect dials the WebSocket endpoint with TCP_NODELAY enabled. It blocks
// until the handshake completes, fails, or ctx is cancelled. If Close ran
// before or during the dial, the new connection is closed and ErrClosed is
// returned.
func (ws *WSClient) Connect(ctx context.Context) error {
	if ws.closed.Load() {
		return ErrClosed
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   ws.cfg.ReadBufferSize,
		WriteBufferSize:  ws.cfg.WriteBufferSize,
		HandshakeTimeout: ws.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, ws.cfg.Headers)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", ws.cfg.URL, err)
	}

	ws.mu.Lock()
	if ws.closed.Load() {
		ws.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// Send writes one text frame. Safe for concurrent use.
func (ws *WSClient) Send(data []byte) error {
	c := ws.current()
	if c == nil {
		return ErrNotConnected
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.cfg.WriteTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(ws.cfg.WriteTimeout))
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Listen reads frames and passes each one to fn until the connection ends.
// It returns nil when the session was closed locally or by a normal close
// frame from the peer, and the read error otherwise.
func (ws *WSClient) Listen(fn func([]byte)) error {
	c := ws.current()
	if c == nil {
		return ErrNotConnected
	}

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ws.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("ws: read: %w", err)
		}
		fn(msg)
	}
}

// Close sends a normal-closure frame and closes the connection, unblocking
// Listen. Called before Connect has stored a connection, it leaves a pending
// close that Connect honours. Calling Close more than once is harmless.
func (ws *WSClient) Close() error {
	// Set under mu so Connect either sees the flag or has already stored
	// the conn read here.
	ws.mu.Lock()
	first := ws.closed.CompareAndSwap(false, true)
	c := ws.conn
	ws.mu.Unlock()
	if !first || c == nil {
		return nil
	}

	ws.writeMu.Lock()
	_ = c.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	ws.writeMu.Unlock()
	return c.Close()
}

func (ws *WSClient) current() *websocket.Conn {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.conn
}
