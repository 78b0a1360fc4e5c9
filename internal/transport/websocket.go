package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zot/livefeed/internal/protocol"
	"go.uber.org/zap"
)

// WebSocketDialer dials the primary transport.
type WebSocketDialer struct {
	opts   Options
	dialer websocket.Dialer
}

// NewWebSocketDialer creates a websocket dialer.
func NewWebSocketDialer(opts Options) *WebSocketDialer {
	return &WebSocketDialer{
		opts: opts,
		dialer: websocket.Dialer{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (d *WebSocketDialer) Name() string { return "websocket" }

// Dial connects to endpoint; http(s) endpoints are rewritten to ws(s).
// The handshake is bounded by ctx.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	u, err := withScheme(endpoint, "ws", "wss")
	if err != nil {
		return nil, err
	}
	dialer := d.dialer
	if deadline, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), bearer(token))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{conn: conn, writeTimeout: d.opts.WriteTimeout, logger: d.opts.logger()}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger
	writeMu      sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) Name() string { return "websocket" }

// Read blocks until the next frame and returns every message in it.
func (c *wsConn) Read() ([]*protocol.Message, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
		msgs, err := protocol.ParseMessages(data)
		if err != nil {
			c.logger.Warn("dropped malformed frame", zap.String("transport", "websocket"), zap.Error(err))
			continue
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}

func (c *wsConn) Write(msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
