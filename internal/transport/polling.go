package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zot/livefeed/internal/protocol"
	"go.uber.org/zap"
)

// DefaultPollWait is how long the server may hold a poll open.
const DefaultPollWait = 25 * time.Second

// sendQueue bounds the writes waiting for a connection's sender.
const sendQueue = 64

// HandshakeResponse is returned by POST {endpoint}/handshake.
type HandshakeResponse struct {
	SessionID string `json:"sid"`
}

// PollingDialer dials the long-poll fallback. The session is opened with
// POST /handshake, messages arrive through GET /poll?sid=, are sent with
// POST /send?sid= and the session ends with POST /close?sid=.
type PollingDialer struct {
	opts   Options
	client *http.Client
}

// NewPollingDialer creates a polling dialer.
func NewPollingDialer(opts Options) *PollingDialer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if opts.PollWait <= 0 {
		opts.PollWait = DefaultPollWait
	}
	return &PollingDialer{opts: opts, client: client}
}

func (d *PollingDialer) Name() string { return "polling" }

// Dial performs the handshake; ws(s) endpoints are rewritten to http(s).
func (d *PollingDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	base, err := withScheme(endpoint, "http", "https")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, join(base, "handshake", "").String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range bearer(token) {
		req.Header[k] = v
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling handshake: %s", resp.Status)
	}
	var hs HandshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	if hs.SessionID == "" {
		return nil, fmt.Errorf("polling handshake: no session id")
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		base:    base,
		sid:     hs.SessionID,
		client:  d.client,
		wait:    d.opts.PollWait,
		timeout: d.opts.WriteTimeout,
		logger:  d.opts.logger().With(zap.String("transport", "polling")),
		ctx:     readCtx,
		cancel:  cancel,
		out:     make(chan []byte, sendQueue),
		done:    make(chan struct{}),
	}
	go c.sendLoop()
	return c, nil
}

type pollConn struct {
	base    *url.URL
	sid     string
	client  *http.Client
	wait    time.Duration
	timeout time.Duration
	logger  *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	out       chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *pollConn) Name() string { return "polling" }

// Read long-polls until at least one message arrives.
func (c *pollConn) Read() ([]*protocol.Message, error) {
	for {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		u := join(c.base, "poll", c.sid)
		q := u.Query()
		q.Set("wait", strconv.Itoa(int(c.wait/time.Millisecond)))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if c.closed.Load() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("poll: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("poll: %s", resp.Status)
		}
		msgs, err := protocol.ParseMessages(body)
		if err != nil {
			c.logger.Warn("dropped malformed frame", zap.Error(err))
			continue
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}

// Write queues msg for the sender goroutine and does not wait for the server.
func (c *pollConn) Write(msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	default:
		return fmt.Errorf("polling: send queue full")
	}
}

// Close unblocks Read and ends the server session once queued writes are
// flushed. It does not wait for the server. Safe to call more than once.
func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		close(c.done)
	})
	return nil
}

func (c *pollConn) sendLoop() {
	for {
		select {
		case data := <-c.out:
			c.send(data)
		case <-c.done:
			for {
				select {
				case data := <-c.out:
					c.send(data)
				default:
					if err := c.post("close", nil); err != nil {
						c.logger.Debug("close request failed", zap.Error(err))
					}
					return
				}
			}
		}
	}
}

// send posts one frame. A failed send cancels the pending poll so the
// connection is reported lost.
func (c *pollConn) send(data []byte) {
	if err := c.post("send", data); err != nil {
		c.logger.Warn("send failed", zap.Error(err))
		c.cancel()
	}
}

func (c *pollConn) post(path string, body []byte) error {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, join(c.base, path, c.sid).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return nil
}

// join appends path to base and sets sid when given.
func join(base *url.URL, path, sid string) *url.URL {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	q := url.Values{}
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()
	return &u
}
