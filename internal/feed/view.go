// Package feed keeps one bounded, deduplicated, newest-first buffer per
// logical feed view, merging paginated pulls with pushed items, batches,
// partial updates and breaking flags.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zot/livefeed/internal/dispatch"
	"github.com/zot/livefeed/internal/filter"
	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/pull"
	"github.com/zot/livefeed/internal/svc"
	"github.com/zot/livefeed/internal/topic"
	"github.com/zot/livefeed/internal/window"
	"go.uber.org/zap"
)

var (
	// ErrStale is returned when a pull response was superseded by a newer
	// request on the same view and discarded.
	ErrStale = errors.New("feed: stale response discarded")
	// ErrClosed is returned by a closed view.
	ErrClosed = errors.New("feed: view closed")
)

// Env is what a view shares with every other consumer of the connection.
type Env struct {
	Loop       *svc.Svc
	Dispatcher *dispatch.Dispatcher
	Topics     *topic.Registry
	Fetcher    pull.Fetcher
	Logger     *zap.Logger
}

// Options configure one view.
type Options struct {
	Scope    Scope
	Capacity int
	PageSize int
	Filter   string // Lua boolean expression over item, empty for none
}

// View is one synchronized feed.
//
// Exported methods are safe from any goroutine but must not be called from a
// push handler or observer callback, since those already run on the loop.
type View struct {
	env    Env
	opts   Options
	base   *zap.Logger
	logger *zap.Logger
	closed atomic.Bool

	// loop-confined
	buffer     *window.Buffer[protocol.FeedItem]
	filter     *filter.Predicate
	scope      Scope
	topics     []protocol.Topic
	regs       []dispatch.Registration
	seq        uint64 // latest pull request token
	refreshSeq uint64 // token of the refresh in flight, 0 if none
	pushed     []protocol.FeedItem
	pulled     int // items the server returned since the last seed
	hasMore    bool
	stats      *protocol.FeedStats
	snapshots  observe.Subject[[]protocol.FeedItem]
	statsObs   observe.Subject[protocol.FeedStats]
}

type request struct {
	seq   uint64
	query pull.Query
}

// Open creates a view and binds its topics and handlers. The buffer starts
// empty; call Refresh to seed it.
func Open(env Env, opts Options) (*View, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("feed: capacity must be positive")
	}
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("feed: page size must be positive")
	}
	pred, err := filter.Compile(opts.Filter)
	if err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &View{
		env:     env,
		opts:    opts,
		base:    logger.Named("feed"),
		buffer:  window.New(opts.Capacity, func(i protocol.FeedItem) string { return i.ID }),
		filter:  pred,
		scope:   opts.Scope,
		hasMore: true,
	}
	v.logger = v.base.With(zap.Stringer("scope", opts.Scope))
	if err := env.Loop.Do(v.bind); err != nil {
		pred.Close()
		return nil, ErrClosed
	}
	return v, nil
}

func (v *View) bind() {
	for _, t := range v.scope.Topics() {
		v.env.Topics.Acquire(t)
		v.topics = append(v.topics, t)
	}
	d := v.env.Dispatcher
	for _, ev := range v.scope.NewItemEvents() {
		v.regs = append(v.regs, dispatch.On(d, ev, v.onNew))
	}
	v.regs = append(v.regs,
		dispatch.On(d, protocol.FeedBatch, v.onBatch),
		dispatch.On(d, protocol.FeedUpdated, v.onUpdate),
		dispatch.On(d, protocol.FeedBreaking, v.onBreaking),
		dispatch.On(d, protocol.FeedStatsEvent, v.onStats),
	)
}

func (v *View) unbind() {
	for _, reg := range v.regs {
		v.env.Dispatcher.Off(reg)
	}
	v.regs = nil
	for _, t := range v.topics {
		v.env.Topics.Release(t)
	}
	v.topics = nil
}

// Close releases every topic and handler the view holds. It does not wait for
// in-flight pulls; their results are dropped. Safe to call more than once.
func (v *View) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := v.env.Loop.Do(func() {
		v.unbind()
		v.snapshots.Clear()
		v.statsObs.Clear()
		v.filter.Close()
	})
	if errors.Is(err, svc.ErrClosed) {
		return nil
	}
	return err
}

// Refresh replaces the buffer with the first page for the current scope.
// Items pushed while the page was in flight are kept in front of it.
func (v *View) Refresh(ctx context.Context) error {
	req, err := svc.Sync(v.env.Loop, func() (request, error) {
		if v.closed.Load() {
			return request{}, ErrClosed
		}
		v.seq++
		v.refreshSeq = v.seq
		v.pushed = nil
		return request{seq: v.seq, query: v.scope.Query(v.opts.PageSize, 0)}, nil
	})
	if err != nil {
		return v.loopErr(err)
	}

	items, fetchErr := v.env.Fetcher.FetchFeeds(ctx, req.query)

	_, err = svc.Sync(v.env.Loop, func() (struct{}, error) {
		var pushed []protocol.FeedItem
		if v.refreshSeq == req.seq {
			pushed = v.pushed
			v.pushed = nil
			v.refreshSeq = 0
		}
		if err := v.admit(req.seq); err != nil {
			return struct{}{}, err
		}
		if fetchErr != nil {
			v.logger.Error("refresh failed", zap.Error(fetchErr))
			return struct{}{}, fetchErr
		}
		v.buffer.Seed(v.acceptAll(items))
		v.pulled = len(items)
		newestFirst := make([]protocol.FeedItem, 0, len(pushed))
		for i := len(pushed) - 1; i >= 0; i-- {
			newestFirst = append(newestFirst, pushed[i])
		}
		v.buffer.PrependBatch(newestFirst)
		v.hasMore = len(items) > 0
		v.changed()
		return struct{}{}, nil
	})
	return v.loopErr(err)
}

// LoadMore fetches the next page and appends it. The offset is the current
// length, or for a filtered view the number of items pulled so far.
// It returns false when the page was empty, the call failed, or the response
// was superseded (ErrStale).
func (v *View) LoadMore(ctx context.Context) (bool, error) {
	req, err := svc.Sync(v.env.Loop, func() (request, error) {
		if v.closed.Load() {
			return request{}, ErrClosed
		}
		v.seq++
		return request{seq: v.seq, query: v.scope.Query(v.opts.PageSize, v.offset())}, nil
	})
	if err != nil {
		return false, v.loopErr(err)
	}

	items, fetchErr := v.env.Fetcher.FetchFeeds(ctx, req.query)

	more, err := svc.Sync(v.env.Loop, func() (bool, error) {
		if err := v.admit(req.seq); err != nil {
			return false, err
		}
		if fetchErr != nil {
			v.logger.Error("load more failed", zap.Int("offset", req.query.Offset), zap.Error(fetchErr))
			return false, fetchErr
		}
		if len(items) == 0 {
			v.hasMore = false
			return false, nil
		}
		v.pulled += len(items)
		if v.buffer.Append(v.acceptAll(items)) > 0 {
			v.changed()
		}
		return true, nil
	})
	return more, v.loopErr(err)
}

// SetScope moves the view to another scope: old topics and handlers are
// released, the buffer is cleared, in-flight pulls become stale and the first
// page of the new scope is fetched.
func (v *View) SetScope(ctx context.Context, scope Scope) error {
	_, err := svc.Sync(v.env.Loop, func() (struct{}, error) {
		if v.closed.Load() {
			return struct{}{}, ErrClosed
		}
		v.unbind()
		v.scope = scope
		v.logger = v.base.With(zap.Stringer("scope", scope))
		v.seq++
		v.buffer.Clear()
		v.pulled = 0
		v.hasMore = true
		v.bind()
		v.changed()
		return struct{}{}, nil
	})
	if err != nil {
		return v.loopErr(err)
	}
	return v.Refresh(ctx)
}

// SetFilter replaces the view's predicate and re-seeds, since held items were
// admitted under the old one. A bad expression leaves the view unchanged.
func (v *View) SetFilter(ctx context.Context, expr string) error {
	pred, err := filter.Compile(expr)
	if err != nil {
		return err
	}
	_, err = svc.Sync(v.env.Loop, func() (struct{}, error) {
		if v.closed.Load() {
			return struct{}{}, ErrClosed
		}
		v.filter.Close()
		v.filter = pred
		v.seq++
		v.buffer.Clear()
		v.pulled = 0
		v.hasMore = true
		v.changed()
		return struct{}{}, nil
	})
	if err != nil {
		pred.Close()
		return v.loopErr(err)
	}
	v.base.Info("filter replaced", zap.String("filter", pred.String()))
	return v.Refresh(ctx)
}

// Filter returns the current filter expression.
func (v *View) Filter() string {
	expr, _ := svc.Sync(v.env.Loop, func() (string, error) {
		return v.filter.String(), nil
	})
	return expr
}

// offset is where the next page starts. Items a filter rejects never reach
// the buffer, so a filtered view pages by what the server returned.
func (v *View) offset() int {
	if v.filter != nil {
		return v.pulled
	}
	return v.buffer.Len()
}

// admit checks that the response for token seq may still be applied.
func (v *View) admit(seq uint64) error {
	if v.closed.Load() {
		return ErrClosed
	}
	if seq != v.seq {
		v.logger.Debug("discarding stale pull response", zap.Uint64("token", seq), zap.Uint64("latest", v.seq))
		return ErrStale
	}
	return nil
}

func (v *View) loopErr(err error) error {
	if errors.Is(err, svc.ErrClosed) {
		return ErrClosed
	}
	return err
}

// accept applies scope and filter to one item.
func (v *View) accept(item protocol.FeedItem) bool {
	if !v.scope.Matches(item) {
		return false
	}
	ok, err := v.filter.Match(item)
	if err != nil {
		v.logger.Warn("filter failed, item skipped", zap.String("id", item.ID), zap.Error(err))
		return false
	}
	return ok
}

func (v *View) acceptAll(items []protocol.FeedItem) []protocol.FeedItem {
	result := make([]protocol.FeedItem, 0, len(items))
	for _, item := range items {
		if v.accept(item) {
			result = append(result, item)
		}
	}
	return result
}

func (v *View) trackPush(items ...protocol.FeedItem) {
	if v.refreshSeq != 0 {
		v.pushed = append(v.pushed, items...)
	}
}

func (v *View) onNew(item protocol.FeedItem) {
	if !v.accept(item) {
		return
	}
	if v.buffer.Prepend(item) {
		v.trackPush(item)
		v.changed()
	}
}

func (v *View) onBatch(batch protocol.FeedBatchPayload) {
	items := make([]protocol.FeedItem, 0, len(batch.Items))
	var fresh []protocol.FeedItem
	for _, item := range batch.Items {
		if err := item.Validate(); err != nil {
			v.logger.Warn("dropped batch item", zap.Error(err))
			continue
		}
		if !v.accept(item) {
			continue
		}
		items = append(items, item)
		if !v.buffer.Has(item.ID) {
			fresh = append(fresh, item)
		}
	}
	added := v.buffer.PrependBatch(items)
	if added == 0 {
		return
	}
	// batch order is newest first; track oldest first like single pushes
	for i := len(fresh) - 1; i >= 0; i-- {
		if v.buffer.Has(fresh[i].ID) {
			v.trackPush(fresh[i])
		}
	}
	v.logger.Debug("batch merged", zap.Int("count", batch.Count), zap.Int("added", added))
	v.changed()
}

func (v *View) onUpdate(u protocol.FeedUpdate) {
	if v.buffer.Modify(u.ID, u.Apply) {
		v.changed()
	}
}

func (v *View) onBreaking(item protocol.FeedItem) {
	if v.buffer.Modify(item.ID, func(held *protocol.FeedItem) { held.IsBreaking = true }) {
		v.changed()
		return
	}
	item.IsBreaking = true
	if !v.accept(item) {
		return
	}
	if v.buffer.Prepend(item) {
		v.trackPush(item)
		v.changed()
	}
}

func (v *View) onStats(s protocol.FeedStats) {
	v.stats = &s
	v.statsObs.Notify(s)
}

func (v *View) changed() {
	if v.snapshots.Len() == 0 {
		return
	}
	v.snapshots.Notify(v.buffer.Items())
}

// Items returns a copy of the buffer, newest first.
func (v *View) Items() []protocol.FeedItem {
	items, _ := svc.Sync(v.env.Loop, func() ([]protocol.FeedItem, error) {
		return v.buffer.Items(), nil
	})
	return items
}

// Len returns the number of items held.
func (v *View) Len() int {
	n, _ := svc.Sync(v.env.Loop, func() (int, error) {
		return v.buffer.Len(), nil
	})
	return n
}

// HasMore is false once a page came back empty, until the next Refresh.
func (v *View) HasMore() bool {
	more, _ := svc.Sync(v.env.Loop, func() (bool, error) {
		return v.hasMore, nil
	})
	return more
}

// Scope returns the current scope.
func (v *View) Scope() Scope {
	s, _ := svc.Sync(v.env.Loop, func() (Scope, error) {
		return v.scope, nil
	})
	return s
}

// Stats returns the latest feed:stats aggregate, if one has arrived.
func (v *View) Stats() (protocol.FeedStats, bool) {
	type result struct {
		stats protocol.FeedStats
		ok    bool
	}
	r, _ := svc.Sync(v.env.Loop, func() (result, error) {
		if v.stats == nil {
			return result{}, nil
		}
		return result{*v.stats, true}, nil
	})
	return r.stats, r.ok
}

// OnChange calls fn on the loop with a copy of the buffer after every change.
func (v *View) OnChange(fn func([]protocol.FeedItem)) observe.Token {
	tok, _ := svc.Sync(v.env.Loop, func() (observe.Token, error) {
		return v.snapshots.Subscribe(fn), nil
	})
	return tok
}

// OnStats calls fn on the loop with every feed:stats aggregate.
func (v *View) OnStats(fn func(protocol.FeedStats)) observe.Token {
	tok, _ := svc.Sync(v.env.Loop, func() (observe.Token, error) {
		return v.statsObs.Subscribe(fn), nil
	})
	return tok
}

// Unobserve removes a change or stats observer. Idempotent.
func (v *View) Unobserve(tok observe.Token) bool {
	ok, _ := svc.Sync(v.env.Loop, func() (bool, error) {
		return v.snapshots.Unsubscribe(tok) || v.statsObs.Unsubscribe(tok), nil
	})
	return ok
}
