// Package livefeed is the client library for the real-time feed service. A
// Client owns one push connection shared by every view and synchronizer built
// from it, plus the paginated pull API used to seed and page feeds.
//
// Every Client method is safe to call from any goroutine except the observer
// callbacks themselves, which run on the client's event loop.
package livefeed

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/zot/livefeed/internal/config"
	"github.com/zot/livefeed/internal/connection"
	"github.com/zot/livefeed/internal/dispatch"
	"github.com/zot/livefeed/internal/feed"
	"github.com/zot/livefeed/internal/live"
	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/pull"
	"github.com/zot/livefeed/internal/svc"
	"github.com/zot/livefeed/internal/topic"
	"github.com/zot/livefeed/internal/transport"
	"go.uber.org/zap"
)

// Re-exported types so callers outside this module can use them.
type (
	Config        = config.Config
	Status        = connection.Status
	State         = connection.State
	Topic         = protocol.Topic
	EventName     = protocol.EventName
	FeedItem      = protocol.FeedItem
	FeedView      = feed.View
	Scope         = feed.Scope
	Token         = observe.Token
	Presence      = live.Presence
	Notifications = live.Notifications
	Campaign      = live.Campaign
	Support       = live.Support
	Stats         = live.Stats
)

// Connection states.
const (
	Disconnected = connection.Disconnected
	Connecting   = connection.Connecting
	Connected    = connection.Connected
	Error        = connection.Error
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("livefeed: client closed")
	// ErrNotConnected is returned by Emit while offline. Nothing is queued.
	ErrNotConnected = connection.ErrNotConnected
	// ErrStale is returned by a feed pull superseded by a newer one.
	ErrStale = feed.ErrStale
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads a TOML file (optional) and LIVEFEED_* environment variables.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// PullAPI is the request/response side of the service.
type PullAPI interface {
	pull.Fetcher
	SetToken(token string)
	Share(ctx context.Context, itemID, platform string)
}

// Option configures a Client.
type Option func(*options)

type options struct {
	cfg     *config.Config
	logger  *zap.Logger
	dialers []transport.Dialer
	pull    PullAPI
}

// WithConfig uses cfg instead of the defaults.
func WithConfig(cfg *Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger replaces the logger built from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialers replaces the transports named in the config.
func WithDialers(dialers ...transport.Dialer) Option {
	return func(o *options) { o.dialers = dialers }
}

// WithPull replaces the HTTP pull client.
func WithPull(api PullAPI) Option {
	return func(o *options) { o.pull = api }
}

// Client is the entry point of the library.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger
	loop   *svc.Svc
	conn   *connection.Manager
	disp   *dispatch.Dispatcher
	topics *topic.Registry
	pull   PullAPI
	closed atomic.Bool
}

// New assembles a disconnected client. Call Configure with a token to connect.
func New(opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger != nil {
		cfg.SetLogger(o.logger)
	}
	logger := cfg.Logger()

	dialers := o.dialers
	if dialers == nil {
		topts := transport.OptionsFromConfig(cfg.Connection)
		topts.Logger = logger.Named("transport")
		var err error
		dialers, err = transport.Dialers(cfg.Connection.Transports, topts)
		if err != nil {
			return nil, err
		}
	}
	api := o.pull
	if api == nil {
		api = pull.New(cfg.Pull, logger.Named("pull"))
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		loop:   svc.New(),
		pull:   api,
	}
	c.conn = connection.New(c.loop, cfg, dialers)
	c.disp = dispatch.New(c.conn, logger.Named("dispatch"))
	c.topics = topic.NewRegistry(c.conn, logger.Named("topics"))
	c.conn.SetRouter(func(msg *protocol.Message) { c.disp.Route(msg) })
	err := c.loop.Do(func() {
		dispatch.On(c.disp, protocol.Lifecycle(protocol.EventConnect), c.onConnect)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// onConnect re-sends subscribes for every held topic, since a new connection
// starts with none on the server side.
func (c *Client) onConnect(string) {
	if !c.cfg.Sync.ResubscribeOnReconnect {
		return
	}
	if n := c.topics.Resync(); n > 0 {
		c.cfg.Log(1, "Resubscribed %d topics", n)
	}
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// Config returns the configuration in use. Do not modify it.
func (c *Client) Config() *Config {
	return c.cfg
}

// Configure sets the auth token: a new token (re)connects, the same token is
// a no-op, and an empty token disconnects. The pull API uses the same token.
func (c *Client) Configure(token string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.pull.SetToken(token)
	return c.conn.Configure(token)
}

// State returns the current connection status.
func (c *Client) State() Status {
	return c.conn.State()
}

// OnState calls fn on the loop after every status change.
func (c *Client) OnState(fn func(Status)) (Token, error) {
	return svc.Sync(c.loop, func() (Token, error) {
		return c.conn.OnState(fn), nil
	})
}

// OffState removes a status observer. Idempotent.
func (c *Client) OffState(tok Token) bool {
	ok, _ := svc.Sync(c.loop, func() (bool, error) {
		return c.conn.OffState(tok), nil
	})
	return ok
}

// Acquire registers interest in t and returns its new refcount. The
// subscribe goes out on the 0 to 1 transition when connected.
func (c *Client) Acquire(t Topic) (int, error) {
	res, err := svc.Sync(c.loop, func() (topic.AcquireResult, error) {
		return c.topics.Acquire(t), nil
	})
	if err != nil {
		return 0, ErrClosed
	}
	return res.Count, nil
}

// Release drops one unit of interest in t and returns its new refcount.
func (c *Client) Release(t Topic) (int, error) {
	res, err := svc.Sync(c.loop, func() (topic.ReleaseResult, error) {
		return c.topics.Release(t), nil
	})
	if err != nil {
		return 0, ErrClosed
	}
	return res.Count, nil
}

// Topics returns every topic with a positive refcount.
func (c *Client) Topics() []Topic {
	topics, _ := svc.Sync(c.loop, func() ([]Topic, error) {
		return c.topics.Topics(), nil
	})
	return topics
}

// Emit sends one client-to-server message. Offline messages are dropped with
// ErrNotConnected.
func (c *Client) Emit(event EventName, payload interface{}) error {
	_, err := svc.Sync(c.loop, func() (struct{}, error) {
		return struct{}{}, c.disp.Emit(event, payload)
	})
	if errors.Is(err, svc.ErrClosed) {
		return ErrClosed
	}
	return err
}

// FeedOptions configures NewFeedView. Zero fields take the config defaults.
type FeedOptions struct {
	Scope    Scope
	Capacity int
	PageSize int
	Filter   string
}

// NewFeedView opens a view and seeds it with the first page. A failed seed is
// logged and leaves the view empty but usable; call Refresh to retry.
func (c *Client) NewFeedView(ctx context.Context, opts FeedOptions) (*FeedView, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if opts.Capacity == 0 {
		opts.Capacity = c.cfg.Feed.Capacity
	}
	if opts.PageSize == 0 {
		opts.PageSize = c.cfg.Pull.PageSize
	}
	if opts.Filter == "" {
		opts.Filter = c.cfg.Feed.Filter
	}
	v, err := feed.Open(c.feedEnv(), feed.Options{
		Scope:    opts.Scope,
		Capacity: opts.Capacity,
		PageSize: opts.PageSize,
		Filter:   opts.Filter,
	})
	if err != nil {
		return nil, err
	}
	if err := v.Refresh(ctx); err != nil && !errors.Is(err, feed.ErrStale) {
		c.logger.Error("initial feed load failed", zap.Stringer("scope", opts.Scope), zap.Error(err))
	}
	return v, nil
}

// Presence follows who is online.
func (c *Client) Presence() (*Presence, error) {
	return live.NewPresence(c.liveEnv())
}

// Notifications follows this user's notifications.
func (c *Client) Notifications() (*Notifications, error) {
	return live.NewNotifications(c.liveEnv(), c.cfg.Sync.NotificationCapacity)
}

// Campaign follows one campaign.
func (c *Client) Campaign(id string) (*Campaign, error) {
	return live.NewCampaign(c.liveEnv(), id)
}

// Support follows support requests.
func (c *Client) Support() (*Support, error) {
	return live.NewSupport(c.liveEnv(), c.cfg.Sync.SupportCapacity)
}

// Stats follows platform stats.
func (c *Client) Stats() (*Stats, error) {
	return live.NewStats(c.liveEnv())
}

// Share records a share of itemID. Fire-and-forget: failures are only logged.
func (c *Client) Share(ctx context.Context, itemID, platform string) {
	c.pull.Share(ctx, itemID, platform)
}

// Close disconnects and stops the loop. Views and synchronizers still open
// become inert. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	c.loop.Close()
	return err
}

func (c *Client) feedEnv() feed.Env {
	return feed.Env{
		Loop:       c.loop,
		Dispatcher: c.disp,
		Topics:     c.topics,
		Fetcher:    c.pull,
		Logger:     c.logger.Named("feed"),
	}
}

func (c *Client) liveEnv() live.Env {
	return live.Env{
		Loop:       c.loop,
		Dispatcher: c.disp,
		Topics:     c.topics,
		Logger:     c.logger,
	}
}
