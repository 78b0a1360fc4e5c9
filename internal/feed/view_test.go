package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/livefeed/internal/dispatch"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/pull"
	"github.com/zot/livefeed/internal/svc"
	"github.com/zot/livefeed/internal/topic"
	"go.uber.org/zap"
)

// fakeConn stands in for the connection manager; it is only touched on the loop.
type fakeConn struct {
	connected bool
	sent      []string
}

func (f *fakeConn) Connected() bool { return f.connected }

func (f *fakeConn) Emit(event protocol.EventName, payload interface{}) error {
	id, _ := payload.(string)
	f.sent = append(f.sent, string(event)+" "+id)
	return nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	queries []pull.Query
	fn      func(call int, q pull.Query) ([]protocol.FeedItem, error)
}

func (f *fakeFetcher) FetchFeeds(ctx context.Context, q pull.Query) ([]protocol.FeedItem, error) {
	f.mu.Lock()
	call := len(f.queries)
	f.queries = append(f.queries, q)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(call, q)
}

func (f *fakeFetcher) calls() []pull.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pull.Query(nil), f.queries...)
}

type harness struct {
	loop  *svc.Svc
	conn  *fakeConn
	disp  *dispatch.Dispatcher
	reg   *topic.Registry
	fetch *fakeFetcher
	env   Env
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		loop:  svc.New(),
		conn:  &fakeConn{connected: true},
		fetch: &fakeFetcher{},
	}
	h.disp = dispatch.New(h.conn, zap.NewNop())
	h.reg = topic.NewRegistry(h.conn, zap.NewNop())
	h.env = Env{Loop: h.loop, Dispatcher: h.disp, Topics: h.reg, Fetcher: h.fetch, Logger: zap.NewNop()}
	t.Cleanup(h.loop.Close)
	return h
}

func (h *harness) open(t *testing.T, opts Options) *View {
	t.Helper()
	if opts.Capacity == 0 {
		opts.Capacity = 200
	}
	if opts.PageSize == 0 {
		opts.PageSize = 20
	}
	v, err := Open(h.env, opts)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func (h *harness) push(t *testing.T, event protocol.EventName, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(event, payload)
	require.NoError(t, err)
	require.NoError(t, h.loop.Do(func() { h.disp.Route(msg) }))
}

func (h *harness) sent() []string {
	var result []string
	h.loop.Do(func() { result = append(result, h.conn.sent...) })
	return result
}

func (h *harness) page(items ...protocol.FeedItem) {
	h.fetch.fn = func(int, pull.Query) ([]protocol.FeedItem, error) { return items, nil }
}

func it(id string) protocol.FeedItem {
	return protocol.FeedItem{ID: id, Title: "title " + id}
}

func ids(items []protocol.FeedItem) []string {
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = item.ID
	}
	return result
}

func TestScenarioCapacityThree(t *testing.T) {
	h := newHarness(t)
	h.page(it("A"), it("B"), it("C"))
	v := h.open(t, Options{Capacity: 3})
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, []string{"A", "B", "C"}, ids(v.Items()))

	h.push(t, "feed:new", it("D"))
	assert.Equal(t, []string{"D", "A", "B"}, ids(v.Items()))

	h.push(t, "feed:batch", protocol.FeedBatchPayload{Count: 2, Items: []protocol.FeedItem{it("E"), it("A")}})
	assert.Equal(t, []string{"E", "D", "A"}, ids(v.Items()))

	views := int64(5)
	h.push(t, "feed:update", protocol.FeedUpdate{ID: "A", ViewCount: &views})
	items := v.Items()
	assert.Equal(t, []string{"E", "D", "A"}, ids(items))
	assert.Equal(t, int64(5), items[2].ViewCount)
	assert.Equal(t, "title A", items[2].Title)
}

func TestDuplicatePushIsNoop(t *testing.T) {
	h := newHarness(t)
	h.page(it("A"), it("B"))
	v := h.open(t, Options{})
	require.NoError(t, v.Refresh(context.Background()))

	changes := 0
	v.OnChange(func([]protocol.FeedItem) { changes++ })
	h.push(t, "feed:new", it("B"))

	assert.Equal(t, []string{"A", "B"}, ids(v.Items()))
	h.loop.Do(func() { assert.Equal(t, 0, changes) })
}

func TestBatchAddsOnlyNewInOrder(t *testing.T) {
	h := newHarness(t)
	h.page(it("A"), it("B"))
	v := h.open(t, Options{})
	require.NoError(t, v.Refresh(context.Background()))

	h.push(t, "feed:batch", protocol.FeedBatchPayload{Items: []protocol.FeedItem{it("X"), it("A"), it("Y"), {Title: "no id"}, it("B")}})

	assert.Equal(t, []string{"X", "Y", "A", "B"}, ids(v.Items()))
}

func TestUpdateUnknownDropped(t *testing.T) {
	h := newHarness(t)
	h.page(it("A"))
	v := h.open(t, Options{})
	require.NoError(t, v.Refresh(context.Background()))

	shares := int64(3)
	h.push(t, "feed:update", protocol.FeedUpdate{ID: "nope", ShareCount: &shares})
	assert.Equal(t, []string{"A"}, ids(v.Items()))
	assert.Equal(t, int64(0), v.Items()[0].ShareCount)
}

func TestBreaking(t *testing.T) {
	h := newHarness(t)
	h.page(it("A"), it("B"))
	v := h.open(t, Options{})
	require.NoError(t, v.Refresh(context.Background()))

	h.push(t, "feed:breaking", it("B"))
	items := v.Items()
	assert.Equal(t, []string{"A", "B"}, ids(items))
	assert.True(t, items[1].IsBreaking)

	h.push(t, "feed:breaking", it("Z"))
	items = v.Items()
	assert.Equal(t, []string{"Z", "A", "B"}, ids(items))
	assert.True(t, items[0].IsBreaking)
}

func TestMalformedPushRejected(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, Options{})

	h.push(t, "feed:new", protocol.FeedItem{Title: "anonymous"})
	assert.Equal(t, 0, v.Len())
}

func TestLoadMore(t *testing.T) {
	h := newHarness(t)
	h.fetch.fn = func(call int, q pull.Query) ([]protocol.FeedItem, error) {
		switch q.Offset {
		case 0:
			return []protocol.FeedItem{it("A"), it("B")}, nil
		case 2:
			return []protocol.FeedItem{it("B"), it("C")}, nil
		}
		return nil, nil
	}
	v := h.open(t, Options{PageSize: 2})
	ctx := context.Background()
	require.NoError(t, v.Refresh(ctx))

	more, err := v.LoadMore(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []string{"A", "B", "C"}, ids(v.Items()))

	more, err = v.LoadMore(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	assert.False(t, v.HasMore())
	assert.Equal(t, []string{"A", "B", "C"}, ids(v.Items()))

	calls := h.fetch.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []int{0, 2, 3}, []int{calls[0].Offset, calls[1].Offset, calls[2].Offset})
	assert.Equal(t, 2, calls[1].Limit)
}

func TestPullErrorLeavesBuffer(t *testing.T) {
	h := newHarness(t)
	h.page(it("A"))
	v := h.open(t, Options{})
	require.NoError(t, v.Refresh(context.Background()))

	boom := errors.New("boom")
	h.fetch.fn = func(int, pull.Query) ([]protocol.FeedItem, error) { return nil, boom }

	more, err := v.LoadMore(context.Background())
	assert.False(t, more)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, v.Refresh(context.Background()), boom)
	assert.Equal(t, []string{"A"}, ids(v.Items()))
}

func TestStaleResponseDiscarded(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h.fetch.fn = func(call int, q pull.Query) ([]protocol.FeedItem, error) {
		started <- struct{}{}
		if call == 0 {
			<-release
			return []protocol.FeedItem{it("old")}, nil
		}
		return []protocol.FeedItem{it("new")}, nil
	}
	v := h.open(t, Options{})

	slow := make(chan error, 1)
	go func() { slow <- v.Refresh(context.Background()) }()
	<-started

	require.NoError(t, v.Refresh(context.Background()))
	close(release)

	assert.ErrorIs(t, <-slow, ErrStale)
	assert.Equal(t, []string{"new"}, ids(v.Items()))
}

func TestSetScopeMakesInFlightStale(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h.fetch.fn = func(call int, q pull.Query) ([]protocol.FeedItem, error) {
		started <- struct{}{}
		if call == 0 {
			<-release
			return []protocol.FeedItem{it("global")}, nil
		}
		return []protocol.FeedItem{{ID: "s1", SourceID: "bbc"}}, nil
	}
	v := h.open(t, Options{})

	slow := make(chan bool, 1)
	go func() {
		more, _ := v.LoadMore(context.Background())
		slow <- more
	}()
	<-started

	require.NoError(t, v.SetScope(context.Background(), Scope{SourceID: "bbc"}))
	close(release)

	assert.False(t, <-slow)
	assert.Equal(t, []string{"s1"}, ids(v.Items()))
	assert.Equal(t, "bbc", h.fetch.calls()[1].SourceID)
	assert.Equal(t, []string{"feed:subscribe:source bbc"}, h.sent())
}

func TestPushDuringRefreshKept(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.fetch.fn = func(int, pull.Query) ([]protocol.FeedItem, error) {
		started <- struct{}{}
		<-release
		return []protocol.FeedItem{it("A"), it("B")}, nil
	}
	v := h.open(t, Options{})

	done := make(chan error, 1)
	go func() { done <- v.Refresh(context.Background()) }()
	<-started
	h.push(t, "feed:new", it("X"))
	h.push(t, "feed:new", it("Y"))
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, []string{"Y", "X", "A", "B"}, ids(v.Items()))
}

func TestSourceScope(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, Options{Scope: Scope{SourceID: "bbc"}})

	assert.Equal(t, []string{"feed:subscribe:source bbc"}, h.sent())

	h.push(t, "feed:source:new", protocol.FeedItem{ID: "1", SourceID: "bbc"})
	h.push(t, "feed:source:new", protocol.FeedItem{ID: "2", SourceID: "cnn"})
	h.push(t, "feed:new", protocol.FeedItem{ID: "3", SourceID: "bbc"})
	assert.Equal(t, []string{"1"}, ids(v.Items()))

	require.NoError(t, v.Close())
	assert.Equal(t, []string{"feed:subscribe:source bbc", "feed:unsubscribe:source bbc"}, h.sent())
	h.loop.Do(func() {
		assert.Equal(t, 0, h.disp.Events())
		assert.Empty(t, h.reg.Topics())
	})
}

func TestCategoryScope(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, Options{Scope: Scope{Category: "world"}})

	h.push(t, "feed:category:new", protocol.FeedItem{ID: "1", Categories: []string{"world"}})
	h.push(t, "feed:category:new", protocol.FeedItem{ID: "2", Categories: []string{"sport"}})
	h.push(t, "feed:batch", protocol.FeedBatchPayload{Items: []protocol.FeedItem{
		{ID: "3", Categories: []string{"world", "politics"}},
		{ID: "4"},
	}})
	assert.Equal(t, []string{"3", "1"}, ids(v.Items()))
}

func TestSharedTopicSubscribedOnce(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, Options{Scope: Scope{SourceID: "bbc"}})
	b := h.open(t, Options{Scope: Scope{SourceID: "bbc"}})

	h.push(t, "feed:source:new", protocol.FeedItem{ID: "1", SourceID: "bbc"})
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, []string{"feed:subscribe:source bbc"}, h.sent())

	require.NoError(t, b.Close())
	assert.Equal(t, []string{"feed:subscribe:source bbc", "feed:unsubscribe:source bbc"}, h.sent())
}

func TestFilter(t *testing.T) {
	h := newHarness(t)
	hot := protocol.FeedItem{ID: "hot", RelevanceScore: 0.9}
	cold := protocol.FeedItem{ID: "cold", RelevanceScore: 0.1}
	h.page(hot, cold)
	v := h.open(t, Options{Filter: "item.relevanceScore > 0.5"})
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, []string{"hot"}, ids(v.Items()))

	h.push(t, "feed:new", protocol.FeedItem{ID: "cold2", RelevanceScore: 0.2})
	h.push(t, "feed:new", protocol.FeedItem{ID: "hot2", RelevanceScore: 0.7})
	assert.Equal(t, []string{"hot2", "hot"}, ids(v.Items()))
}

func TestBadFilterFailsOpen(t *testing.T) {
	h := newHarness(t)
	_, err := Open(h.env, Options{Capacity: 10, PageSize: 10, Filter: "item.x >"})
	assert.Error(t, err)
	h.loop.Do(func() { assert.Equal(t, 0, h.disp.Events()) })
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, Options{})

	_, ok := v.Stats()
	assert.False(t, ok)

	var seen []int64
	tok := v.OnStats(func(s protocol.FeedStats) { seen = append(seen, s.TotalItems) })
	h.push(t, "feed:stats", protocol.FeedStats{TotalItems: 10, UpdatedAt: time.Unix(0, 0).UTC()})

	s, ok := v.Stats()
	require.True(t, ok)
	assert.Equal(t, int64(10), s.TotalItems)

	assert.True(t, v.Unobserve(tok))
	assert.False(t, v.Unobserve(tok))
	h.push(t, "feed:stats", protocol.FeedStats{TotalItems: 11})
	h.loop.Do(func() { assert.Equal(t, []int64{10}, seen) })
}

func TestOnChangeGetsSnapshots(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, Options{})

	var snaps [][]string
	v.OnChange(func(items []protocol.FeedItem) { snaps = append(snaps, ids(items)) })
	h.push(t, "feed:new", it("A"))
	h.push(t, "feed:new", it("B"))

	h.loop.Do(func() { assert.Equal(t, [][]string{{"A"}, {"B", "A"}}, snaps) })
}

func TestClosedView(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, Options{})
	require.NoError(t, v.Close())

	_, err := v.LoadMore(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Refresh(context.Background()), ErrClosed)
	assert.ErrorIs(t, v.SetScope(context.Background(), Scope{Category: "x"}), ErrClosed)

	h.push(t, "feed:new", it("A"))
	assert.Equal(t, 0, v.Len())
}

func TestCloseDropsInFlight(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.fetch.fn = func(int, pull.Query) ([]protocol.FeedItem, error) {
		started <- struct{}{}
		<-release
		return []protocol.FeedItem{it("A")}, nil
	}
	v := h.open(t, Options{})

	done := make(chan error, 1)
	go func() { done <- v.Refresh(context.Background()) }()
	<-started
	require.NoError(t, v.Close())
	close(release)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, 0, v.Len())
}

func TestSetFilterReseeds(t *testing.T) {
	h := newHarness(t)
	a := it("A")
	a.SourceName = "BBC"
	b := it("B")
	b.SourceName = "CNN"
	h.page(a, b)
	v := h.open(t, Options{})
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, []string{"A", "B"}, ids(v.Items()))

	require.NoError(t, v.SetFilter(context.Background(), `item.sourceName == "CNN"`))
	assert.Equal(t, []string{"B"}, ids(v.Items()))
	assert.Equal(t, `item.sourceName == "CNN"`, v.Filter())
	assert.Len(t, h.fetch.calls(), 2)

	assert.Error(t, v.SetFilter(context.Background(), "item.title =="))
	assert.Equal(t, `item.sourceName == "CNN"`, v.Filter())
	assert.Equal(t, []string{"B"}, ids(v.Items()))

	require.NoError(t, v.SetFilter(context.Background(), ""))
	assert.Equal(t, []string{"A", "B"}, ids(v.Items()))
}

func TestFilteredLoadMorePagesByPulledCount(t *testing.T) {
	h := newHarness(t)
	var all []protocol.FeedItem
	for i := 0; i < 40; i++ {
		item := it(fmt.Sprintf("i%02d", i))
		item.IsBreaking = i >= 20
		all = append(all, item)
	}
	h.fetch.fn = func(call int, q pull.Query) ([]protocol.FeedItem, error) {
		if q.Offset >= len(all) {
			return nil, nil
		}
		end := q.Offset + q.Limit
		if end > len(all) {
			end = len(all)
		}
		return all[q.Offset:end], nil
	}
	v := h.open(t, Options{PageSize: 20, Filter: "item.isBreaking"})
	ctx := context.Background()
	require.NoError(t, v.Refresh(ctx))
	assert.Equal(t, 0, v.Len())

	more, err := v.LoadMore(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, 20, v.Len())

	more, err = v.LoadMore(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, 20, v.Len())

	var offsets []int
	for _, q := range h.fetch.calls() {
		offsets = append(offsets, q.Offset)
	}
	assert.Equal(t, []int{0, 20, 40}, offsets)
}

func TestFilteredLoadMoreNoOverlap(t *testing.T) {
	h := newHarness(t)
	h.fetch.fn = func(call int, q pull.Query) ([]protocol.FeedItem, error) {
		switch q.Offset {
		case 0:
			return []protocol.FeedItem{it("A"), {ID: "B", RelevanceScore: 0.9}}, nil
		case 2:
			return []protocol.FeedItem{{ID: "C", RelevanceScore: 0.8}}, nil
		}
		return nil, nil
	}
	v := h.open(t, Options{PageSize: 2, Filter: "item.relevanceScore > 0.5"})
	ctx := context.Background()
	require.NoError(t, v.Refresh(ctx))
	assert.Equal(t, []string{"B"}, ids(v.Items()))

	more, err := v.LoadMore(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []string{"B", "C"}, ids(v.Items()))

	calls := h.fetch.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].Offset)
}
