// Package pull is the paginated request/response side of the feed API.
package pull

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/zot/livefeed/internal/config"
	"github.com/zot/livefeed/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnsuccessful is returned when the server answers with success=false.
var ErrUnsuccessful = errors.New("pull: server reported failure")

// Query selects one page of feed items.
type Query struct {
	Limit    int
	Offset   int
	SourceID string
	Category string
}

// Values encodes q as URL query parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("offset", strconv.Itoa(q.Offset))
	if q.SourceID != "" {
		v.Set("sourceId", q.SourceID)
	}
	if q.Category != "" {
		v.Set("category", q.Category)
	}
	return v
}

// FeedsResponse is the body of GET /feeds.
type FeedsResponse struct {
	Success bool                `json:"success"`
	Items   []protocol.FeedItem `json:"items"`
	Error   string              `json:"error,omitempty"`
}

type shareRequest struct {
	Platform string `json:"platform"`
}

// Fetcher loads pages of feed items.
type Fetcher interface {
	FetchFeeds(ctx context.Context, q Query) ([]protocol.FeedItem, error)
}

// Client talks to the pull API. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client from the pull settings.
func New(cfg config.PullConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout.Duration()},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// SetToken sets the bearer token sent with every request; empty clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// FetchFeeds returns one page. Items failing validation are dropped.
func (c *Client) FetchFeeds(ctx context.Context, q Query) ([]protocol.FeedItem, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pull: rate limiter: %w", err)
	}

	endpoint := c.baseURL + "/feeds?" + q.Values().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("pull: create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pull: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pull: GET /feeds: %s", resp.Status)
	}

	var page FeedsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("pull: parse response: %w", err)
	}
	if !page.Success {
		if page.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrUnsuccessful, page.Error)
		}
		return nil, ErrUnsuccessful
	}

	items := page.Items[:0]
	for _, item := range page.Items {
		if err := item.Validate(); err != nil {
			c.logger.Warn("dropped pulled item", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Share records a share for analytics. It is fire-and-forget: failures are
// logged and never returned.
func (c *Client) Share(ctx context.Context, itemID, platform string) {
	if err := c.share(ctx, itemID, platform); err != nil {
		c.logger.Debug("share not recorded", zap.String("id", itemID), zap.Error(err))
	}
}

func (c *Client) share(ctx context.Context, itemID, platform string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(shareRequest{Platform: platform})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/feeds/" + url.PathEscape(itemID) + "/share"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST share: %s", resp.Status)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
