// Package transporttest provides an in-memory transport for tests of code
// that sits on top of a push connection.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/transport"
)

// ErrRefused is returned by a Dialer told to fail.
var ErrRefused = errors.New("transporttest: connection refused")

// Dialer records every dial and hands out in-memory connections.
type Dialer struct {
	name string

	mu        sync.Mutex
	failFirst int
	failAll   bool
	tokens    []string
	conns     []*Conn
	events    []string
}

// NewDialer creates a dialer that succeeds every time.
func NewDialer(name string) *Dialer {
	return &Dialer{name: name}
}

// FailFirst makes the next n dials fail.
func (d *Dialer) FailFirst(n int) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFirst = n
	return d
}

// FailAll makes every dial fail.
func (d *Dialer) FailAll() *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = true
	return d
}

func (d *Dialer) Name() string { return d.name }

func (d *Dialer) Dial(ctx context.Context, endpoint, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	d.events = append(d.events, "dial:"+token)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failAll || d.failFirst > 0 {
		if d.failFirst > 0 {
			d.failFirst--
		}
		return nil, ErrRefused
	}
	c := &Conn{
		dialer: d,
		id:     len(d.conns) + 1,
		token:  token,
		in:     make(chan []*protocol.Message, 64),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns the token of every dial so far.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Events returns "dial:<token>" and "close:<conn id>" entries in order.
func (d *Dialer) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

// Conns returns every connection handed out.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Dialer) record(event string) {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
}

// Conn is an in-memory connection. The test plays the server through Push,
// Drop and Written.
type Conn struct {
	dialer *Dialer
	id     int
	token  string
	in     chan []*protocol.Message
	drop   chan error

	mu      sync.Mutex
	written []*protocol.Message
	once    sync.Once
	closed  chan struct{}
}

func (c *Conn) Name() string { return c.dialer.name }

// Token returns the token the connection was dialed with.
func (c *Conn) Token() string { return c.token }

func (c *Conn) Read() ([]*protocol.Message, error) {
	select {
	case msgs := <-c.in:
		return msgs, nil
	case err := <-c.drop:
		return nil, err
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *Conn) Write(msg *protocol.Message) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.dialer.record(fmt.Sprintf("close:%d", c.id))
	})
	return nil
}

// Push delivers one frame to the client.
func (c *Conn) Push(msgs ...*protocol.Message) {
	c.in <- msgs
}

// PushEvent delivers a single message built from event and data.
func (c *Conn) PushEvent(event protocol.EventName, data interface{}) error {
	msg, err := protocol.NewMessage(event, data)
	if err != nil {
		return err
	}
	c.Push(msg)
	return nil
}

// Drop simulates the server going away.
func (c *Conn) Drop(err error) {
	c.drop <- err
}

// Written returns every message the client sent.
func (c *Conn) Written() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.written...)
}

// WrittenEvents returns the event names the client sent.
func (c *Conn) WrittenEvents() []protocol.EventName {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]protocol.EventName, len(c.written))
	for i, m := range c.written {
		result[i] = m.Event
	}
	return result
}

// Closed reports whether the client closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
