// Package connection owns the one physical push connection. Its lifecycle is
// keyed to an auth token: configuring a token connects, configuring a different
// one reconnects, and configuring none disconnects.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zot/livefeed/internal/config"
	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/svc"
	"github.com/zot/livefeed/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Emit when there is no live connection.
	// The message is dropped, not queued.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection: closed")
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Disconnected, Connecting, Connected, Error} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("connection: unknown state %q", text)
}

// Status is a snapshot of the connection. Message carries the error text in
// the Error state and the last failure after retries are exhausted.
type Status struct {
	State     State  `json:"state"`
	Message   string `json:"message,omitempty"`
	Transport string `json:"transport,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

func (s Status) String() string {
	if s.Message != "" {
		return s.State.String() + ": " + s.Message
	}
	return s.State.String()
}

// Router receives every incoming message, including the synthesized lifecycle
// messages connect, disconnect, connect_error and error. It runs on the loop.
type Router func(msg *protocol.Message)

// Manager owns the single physical connection.
//
// Everything but Configure, State and Close is confined to the loop.
type Manager struct {
	loop    *svc.Svc
	cfg     *config.Config
	dialers []transport.Dialer
	logger  *zap.Logger

	// loop-confined
	token      string
	gen        uint64 // bumped on teardown; stale dials, timers and pumps compare against it
	attempt    int
	conn       transport.Conn
	status     Status
	cancelDial context.CancelFunc
	retry      *time.Timer
	router     Router
	observers  observe.Subject[Status]
	closed     bool

	snapMu   sync.RWMutex
	snapshot Status
}

// New creates a disconnected manager. Dialers are tried in order on each attempt.
func New(loop *svc.Svc, cfg *config.Config, dialers []transport.Dialer) *Manager {
	return &Manager{
		loop:    loop,
		cfg:     cfg,
		dialers: dialers,
		logger:  cfg.Logger().Named("connection"),
	}
}

// Log logs a message via the config.
func (m *Manager) Log(level int, format string, args ...interface{}) {
	m.cfg.Log(level, format, args...)
}

// SetRouter installs the incoming message sink.
func (m *Manager) SetRouter(r Router) {
	m.router = r
}

// Configure connects with token, reconnects if the token changed, or
// disconnects if token is empty. Configuring the token already in use while
// connected or connecting is a no-op. Must not be called from the loop.
func (m *Manager) Configure(token string) error {
	var result error
	err := m.loop.Do(func() {
		result = m.configure(token)
	})
	if err != nil {
		return ErrClosed
	}
	return result
}

// ConfigureOnLoop is Configure for callers already running on the loop.
func (m *Manager) ConfigureOnLoop(token string) error {
	return m.configure(token)
}

func (m *Manager) configure(token string) error {
	if m.closed {
		return ErrClosed
	}
	if token == "" {
		m.teardown("client disconnect")
		m.token = ""
		m.setStatus(Status{State: Disconnected})
		return nil
	}
	if token == m.token && m.status.State != Disconnected {
		m.Log(1, "Configure: same token, connection kept (%s)", m.status)
		return nil
	}
	if m.status.State != Disconnected {
		m.teardown("token changed")
	}
	m.token = token
	m.attempt = 0
	m.startAttempt()
	return nil
}

// Close tears the connection down for good. Safe to call more than once.
func (m *Manager) Close() error {
	err := m.loop.Do(func() {
		if m.closed {
			return
		}
		m.teardown("client closed")
		m.token = ""
		m.setStatus(Status{State: Disconnected})
		m.closed = true
		m.observers.Clear()
	})
	if errors.Is(err, svc.ErrClosed) {
		return nil
	}
	return err
}

// State returns the latest status. Safe from any goroutine.
func (m *Manager) State() Status {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapshot
}

// Status returns the status on the loop.
func (m *Manager) Status() Status {
	return m.status
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	return m.status.State == Connected && m.conn != nil
}

// OnState registers fn for every status change.
func (m *Manager) OnState(fn func(Status)) observe.Token {
	return m.observers.Subscribe(fn)
}

// OffState removes a status observer.
func (m *Manager) OffState(tok observe.Token) bool {
	return m.observers.Unsubscribe(tok)
}

// Emit sends one message. While not connected the message is dropped with a
// warning and ErrNotConnected is returned.
func (m *Manager) Emit(event protocol.EventName, payload interface{}) error {
	if !m.Connected() {
		m.logger.Warn("emit while disconnected, message dropped", zap.String("event", string(event)))
		return ErrNotConnected
	}
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	m.trace("[OUT]", msg)
	if err := m.conn.Write(msg); err != nil {
		m.logger.Warn("write failed", zap.String("event", string(event)), zap.Error(err))
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) startAttempt() {
	m.attempt++
	gen := m.gen
	token := m.token
	attempt := m.attempt
	m.setStatus(Status{State: Connecting, Attempt: attempt})
	m.Log(1, "Connecting: attempt %d/%d", attempt, m.cfg.Connection.MaxAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	go func() {
		conn, err := m.dial(ctx, token)
		cancel()
		posted := m.loop.Post(func() {
			m.dialed(gen, conn, err)
		})
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

// dial tries each transport in preference order, each bounded by the
// handshake timeout.
func (m *Manager) dial(ctx context.Context, token string) (transport.Conn, error) {
	if len(m.dialers) == 0 {
		return nil, errors.New("no transports configured")
	}
	var errs []error
	for _, d := range m.dialers {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Connection.HandshakeTimeout.Duration())
		conn, err := d.Dial(attemptCtx, m.cfg.Connection.URL, token)
		cancel()
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) dialed(gen uint64, conn transport.Conn, err error) {
	if gen != m.gen || m.closed {
		// torn down while dialing
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.logger.Info("connect failed", zap.Int("attempt", m.attempt), zap.Error(err))
		m.routeLifecycle(protocol.EventConnectError, err.Error())
		m.scheduleRetry(err)
		return
	}

	m.conn = conn
	m.attempt = 0
	m.setStatus(Status{State: Connected, Transport: conn.Name()})
	m.Log(1, "Connected via %s", conn.Name())
	go m.readPump(gen, conn)
	m.routeLifecycle(protocol.EventConnect, "")
}

func (m *Manager) scheduleRetry(cause error) {
	if m.attempt >= m.cfg.Connection.MaxAttempts {
		m.logger.Error("giving up on connection", zap.Int("attempts", m.attempt), zap.Error(cause))
		m.setStatus(Status{
			State:   Disconnected,
			Message: fmt.Sprintf("gave up after %d attempts: %v", m.attempt, cause),
		})
		return
	}
	m.setStatus(Status{State: Error, Message: cause.Error(), Attempt: m.attempt})
	delay := Backoff(m.attempt, m.cfg.Connection.InitialBackoff.Duration(), m.cfg.Connection.MaxBackoff.Duration())
	gen := m.gen
	m.retry = time.AfterFunc(delay, func() {
		m.loop.Post(func() {
			if gen != m.gen || m.closed {
				return
			}
			m.retry = nil
			m.startAttempt()
		})
	})
}

func (m *Manager) readPump(gen uint64, conn transport.Conn) {
	for {
		msgs, err := conn.Read()
		if err != nil {
			m.loop.Post(func() {
				m.lost(gen, conn, err)
			})
			return
		}
		m.loop.Post(func() {
			if gen != m.gen {
				return
			}
			for _, msg := range msgs {
				m.trace("[IN]", msg)
				if protocol.IsLifecycle(msg.Event) {
					m.logger.Warn("dropped lifecycle event sent by server", zap.String("event", string(msg.Event)))
					continue
				}
				m.route(msg)
			}
		})
	}
}

// lost handles a connection that died on its own; retries start over.
func (m *Manager) lost(gen uint64, conn transport.Conn, err error) {
	if gen != m.gen || m.conn != conn {
		return
	}
	m.conn = nil
	conn.Close()
	m.logger.Warn("connection lost", zap.Error(err))
	m.routeLifecycle(protocol.EventDisconnect, err.Error())
	m.attempt = 0
	m.scheduleRetry(fmt.Errorf("connection lost: %w", err))
}

// teardown synchronously closes whatever exists and invalidates every
// in-flight dial, retry and read pump.
func (m *Manager) teardown(reason string) {
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		if err := conn.Close(); err != nil {
			m.logger.Debug("close", zap.Error(err))
		}
		m.Log(1, "Disconnected: %s", reason)
		m.routeLifecycle(protocol.EventDisconnect, reason)
	}
	m.attempt = 0
}

func (m *Manager) setStatus(s Status) {
	if s == m.status {
		return
	}
	m.status = s
	m.snapMu.Lock()
	m.snapshot = s
	m.snapMu.Unlock()
	m.observers.Notify(s)
}

func (m *Manager) routeLifecycle(event protocol.EventName, detail string) {
	var data interface{}
	if detail != "" {
		data = detail
	}
	msg, err := protocol.NewMessage(event, data)
	if err != nil {
		return
	}
	m.route(msg)
}

func (m *Manager) route(msg *protocol.Message) {
	if m.router != nil {
		m.router(msg)
	}
}

func (m *Manager) trace(dir string, msg *protocol.Message) {
	if m.cfg.Verbosity() >= 3 {
		m.Log(3, "%s %s: data=%s", dir, msg.Event, string(msg.Data))
	} else {
		m.Log(2, "%s %s", dir, msg.Event)
	}
}

// Backoff returns the delay after the given failed attempt (1-based):
// initial, doubling per attempt, capped at max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
