// Package transport provides the physical push connections: a websocket
// primary and an HTTP long-poll fallback, both carrying protocol frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zot/livefeed/internal/config"
	"github.com/zot/livefeed/internal/protocol"
	"go.uber.org/zap"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("transport: closed")

// Conn is one established physical connection. Read is called from a single
// reader goroutine and Write from a single writer; Close may be called from
// anywhere and unblocks a pending Read. Read fails only when the connection
// is lost; frames that do not parse are logged and skipped.
type Conn interface {
	Name() string
	Read() ([]*protocol.Message, error)
	Write(msg *protocol.Message) error
	Close() error
}

// Dialer establishes connections of one transport kind. The token is sent
// only during the handshake.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// Options are shared by every dialer.
type Options struct {
	WriteTimeout time.Duration
	HTTPClient   *http.Client // polling only; nil means a default client
	PollWait     time.Duration
	Logger       *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// OptionsFromConfig derives dialer options from the connection settings.
func OptionsFromConfig(cfg config.ConnectionConfig) Options {
	return Options{WriteTimeout: cfg.WriteTimeout.Duration()}
}

// Dialers builds dialers for names in preference order.
func Dialers(names []string, opts Options) ([]Dialer, error) {
	result := make([]Dialer, 0, len(names))
	for _, name := range names {
		switch name {
		case config.TransportWebSocket:
			result = append(result, NewWebSocketDialer(opts))
		case config.TransportPolling:
			result = append(result, NewPollingDialer(opts))
		default:
			return nil, fmt.Errorf("transport: unknown transport %q", name)
		}
	}
	return result, nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// withScheme rewrites endpoint's scheme to the plain or secure variant given.
func withScheme(endpoint, plain, secure string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: bad endpoint %q: %w", endpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = secure
	case "http", "ws":
		u.Scheme = plain
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	return u, nil
}
