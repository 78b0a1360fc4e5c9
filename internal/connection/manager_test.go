package connection

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/livefeed/internal/config"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/svc"
	"github.com/zot/livefeed/internal/transport"
	"github.com/zot/livefeed/internal/transport/transporttest"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	loop   *svc.Svc
	mgr    *Manager
	routed []*protocol.Message // loop-confined
}

func newHarness(t *testing.T, maxAttempts int, dialers ...transport.Dialer) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SetLogger(zap.NewNop())
	cfg.Connection.InitialBackoff = config.Duration(time.Millisecond)
	cfg.Connection.MaxBackoff = config.Duration(4 * time.Millisecond)
	cfg.Connection.MaxAttempts = maxAttempts

	h := &harness{loop: svc.New()}
	h.mgr = New(h.loop, cfg, dialers)
	h.mgr.SetRouter(func(msg *protocol.Message) { h.routed = append(h.routed, msg) })
	t.Cleanup(func() {
		h.mgr.Close()
		h.loop.Close()
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.mgr.State().State == want }, waitFor, tick,
		"never reached %s, last %s", want, h.mgr.State())
}

func (h *harness) routedEvents() []protocol.EventName {
	var result []protocol.EventName
	h.loop.Do(func() {
		for _, m := range h.routed {
			result = append(result, m.Event)
		}
	})
	return result
}

func (h *harness) count(event protocol.EventName) int {
	n := 0
	for _, e := range h.routedEvents() {
		if e == event {
			n++
		}
	}
	return n
}

func TestConfigureConnects(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)

	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	assert.Equal(t, "websocket", h.mgr.State().Transport)
	assert.Equal(t, []string{"t1"}, d.Dials())
	assert.Equal(t, 1, h.count(protocol.EventConnect))
}

func TestSameTokenIsNoop(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)

	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)
	require.NoError(t, h.mgr.Configure("t1"))
	require.NoError(t, h.mgr.Configure("t1"))
	h.loop.Barrier()

	assert.Len(t, d.Conns(), 1)
	assert.False(t, d.Last().Closed())
	assert.Equal(t, Connected, h.mgr.State().State)
}

func TestSameTokenWhileConnectingIsNoop(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)

	// both run on the loop before the dial result can be posted
	h.loop.Do(func() {
		h.mgr.ConfigureOnLoop("t1")
		h.mgr.ConfigureOnLoop("t1")
	})
	h.waitState(t, Connected)
	h.loop.Barrier()

	assert.Equal(t, []string{"t1"}, d.Dials())
}

func TestDifferentTokenTearsDownFirst(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)

	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)
	first := d.Last()

	require.NoError(t, h.mgr.Configure("t2"))
	require.Eventually(t, func() bool { return len(d.Conns()) == 2 }, waitFor, tick)
	h.waitState(t, Connected)

	assert.True(t, first.Closed())
	assert.Equal(t, []string{"dial:t1", "close:1", "dial:t2"}, d.Events())
	assert.Equal(t, "t2", d.Last().Token())
	assert.Equal(t, 1, h.count(protocol.EventDisconnect))
}

func TestEmptyTokenDisconnects(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)

	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	require.NoError(t, h.mgr.Configure(""))
	assert.Equal(t, Disconnected, h.mgr.State().State)
	assert.True(t, d.Last().Closed())

	// teardown is idempotent
	require.NoError(t, h.mgr.Configure(""))
	assert.Equal(t, Disconnected, h.mgr.State().State)
}

func TestRetriesAreBounded(t *testing.T) {
	d := transporttest.NewDialer("websocket").FailAll()
	h := newHarness(t, 3, d)

	require.NoError(t, h.mgr.Configure("t1"))
	require.Eventually(t, func() bool {
		s := h.mgr.State()
		return s.State == Disconnected && s.Message != ""
	}, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, d.Dials(), 3)
	assert.Equal(t, 3, h.count(protocol.EventConnectError))
	assert.Contains(t, h.mgr.State().Message, "gave up after 3 attempts")

	// configure again restarts the schedule
	require.NoError(t, h.mgr.Configure("t1"))
	require.Eventually(t, func() bool { return len(d.Dials()) == 6 }, waitFor, tick)
}

func TestRetryRecovers(t *testing.T) {
	d := transporttest.NewDialer("websocket").FailFirst(2)
	h := newHarness(t, 10, d)

	var seen []State
	h.loop.Do(func() {
		h.mgr.OnState(func(s Status) { seen = append(seen, s.State) })
	})
	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	assert.Len(t, d.Dials(), 3)
	h.loop.Do(func() {
		assert.Equal(t, []State{Connecting, Error, Connecting, Error, Connecting, Connected}, seen)
	})
}

func TestFallbackTransport(t *testing.T) {
	primary := transporttest.NewDialer("websocket").FailAll()
	fallback := transporttest.NewDialer("polling")
	h := newHarness(t, 10, primary, fallback)

	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	assert.Equal(t, "polling", h.mgr.State().Transport)
	assert.Len(t, primary.Dials(), 1)
	assert.Len(t, fallback.Dials(), 1)
}

func TestEmitWhileDisconnectedDropped(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)

	var err error
	h.loop.Do(func() { err = h.mgr.Emit("presence:update", nil) })
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, d.Conns())
}

func TestEmitWhenConnected(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)
	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	var err error
	h.loop.Do(func() { err = h.mgr.Emit("campaign:subscribe", "c1") })
	require.NoError(t, err)

	written := d.Last().Written()
	require.Len(t, written, 1)
	assert.Equal(t, protocol.EventName("campaign:subscribe"), written[0].Event)
	assert.JSONEq(t, `"c1"`, string(written[0].Data))
}

func TestIncomingRoutedInOrder(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)
	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	conn := d.Last()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, conn.PushEvent("feed:new", protocol.FeedItem{ID: id}))
	}
	require.Eventually(t, func() bool { return h.count("feed:new") == 3 }, waitFor, tick)

	var ids []string
	h.loop.Do(func() {
		for _, m := range h.routed {
			if m.Event != "feed:new" {
				continue
			}
			var item protocol.FeedItem
			require.NoError(t, json.Unmarshal(m.Data, &item))
			ids = append(ids, item.ID)
		}
	})
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestLifecycleNamesFromServerDropped(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)
	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	conn := d.Last()
	for _, ev := range []protocol.EventName{"connect", "disconnect", "connect_error", "error", "connect"} {
		require.NoError(t, conn.PushEvent(ev, "spoofed"))
	}
	require.NoError(t, conn.PushEvent("feed:new", protocol.FeedItem{ID: "a"}))
	require.Eventually(t, func() bool { return h.count("feed:new") == 1 }, waitFor, tick)

	assert.Equal(t, []protocol.EventName{"connect", "feed:new"}, h.routedEvents())
	assert.Len(t, d.Conns(), 1)
	assert.Equal(t, Connected, h.mgr.State().State)
}

func TestLostConnectionReconnects(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)
	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	d.Last().Drop(errors.New("server restart"))

	require.Eventually(t, func() bool { return len(d.Conns()) == 2 }, waitFor, tick)
	h.waitState(t, Connected)
	assert.Equal(t, 1, h.count(protocol.EventDisconnect))
	assert.Equal(t, 2, h.count(protocol.EventConnect))
}

func TestCloseIsFinal(t *testing.T) {
	d := transporttest.NewDialer("websocket")
	h := newHarness(t, 10, d)
	require.NoError(t, h.mgr.Configure("t1"))
	h.waitState(t, Connected)

	require.NoError(t, h.mgr.Close())
	require.NoError(t, h.mgr.Close())
	assert.True(t, d.Last().Closed())
	assert.ErrorIs(t, h.mgr.Configure("t1"), ErrClosed)
}

func TestBackoff(t *testing.T) {
	initial, max := time.Second, 5*time.Second
	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, Backoff(attempt, initial, max))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(Status{State: Error, Message: "refused", Attempt: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"error","message":"refused","attempt":2}`, string(data))

	var back Status
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Error, back.State)
	assert.Error(t, json.Unmarshal([]byte(`{"state":"sleeping"}`), &back))
}
