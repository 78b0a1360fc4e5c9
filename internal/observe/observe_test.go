package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyInSubscriptionOrder(t *testing.T) {
	var s Subject[int]
	var got []string
	s.Subscribe(func(v int) { got = append(got, "a") })
	s.Subscribe(func(v int) { got = append(got, "b") })

	s.Notify(1)

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, s.Len())
}

func TestUnsubscribeIdempotent(t *testing.T) {
	var s Subject[string]
	calls := 0
	tok := s.Subscribe(func(string) { calls++ })

	assert.True(t, s.Unsubscribe(tok))
	assert.False(t, s.Unsubscribe(tok))
	assert.False(t, s.Unsubscribe(Token{}))

	s.Notify("x")
	assert.Equal(t, 0, calls)
}

func TestUnsubscribeDuringNotify(t *testing.T) {
	var s Subject[int]
	var second Token
	secondCalls := 0
	s.Subscribe(func(int) { s.Unsubscribe(second) })
	second = s.Subscribe(func(int) { secondCalls++ })

	s.Notify(1)
	s.Notify(2)

	assert.Equal(t, 0, secondCalls)
	assert.Equal(t, 1, s.Len())
}

func TestClear(t *testing.T) {
	var s Subject[int]
	calls := 0
	s.Subscribe(func(int) { calls++ })
	s.Clear()
	s.Notify(1)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, s.Len())
}
