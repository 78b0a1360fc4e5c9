// Package topic reference-counts consumer interest in push topics so the wire
// sees exactly one subscribe per 0->1 transition and one unsubscribe per 1->0.
// CRC: crc-TopicRegistry.md
package topic

import (
	"sort"

	"github.com/zot/livefeed/internal/protocol"
	"go.uber.org/zap"
)

// Sender is the slice of the connection manager the registry needs.
type Sender interface {
	Connected() bool
	Emit(event protocol.EventName, payload interface{}) error
}

// Registry holds the topic -> refcount arena. It is confined to the event
// loop; Acquire and Release are its only mutators.
type Registry struct {
	counts map[protocol.Topic]int
	sender Sender
	logger *zap.Logger

	// OnActiveChanged is called with (topic, true) on a 0->1 transition and
	// with (topic, false) on a 1->0 transition.
	OnActiveChanged func(t protocol.Topic, active bool)
}

// NewRegistry creates a registry that subscribes through sender.
func NewRegistry(sender Sender, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		counts: make(map[protocol.Topic]int),
		sender: sender,
		logger: logger,
	}
}

// AcquireResult reports what an Acquire did.
type AcquireResult struct {
	Sent  bool // a subscribe went out on the wire
	Count int  // refcount after the call
}

// Acquire adds one consumer's interest in t. On the 0->1 transition it sends
// the subscribe message, but only if the connection is live; the intent is
// not queued.
func (r *Registry) Acquire(t protocol.Topic) AcquireResult {
	prevCount := r.counts[t]
	r.counts[t] = prevCount + 1

	if prevCount != 0 {
		return AcquireResult{Count: prevCount + 1}
	}

	if r.OnActiveChanged != nil {
		r.OnActiveChanged(t, true)
	}
	return AcquireResult{
		Sent:  r.send(t.SubscribeEvent(), t),
		Count: 1,
	}
}

// ReleaseResult reports what a Release did.
type ReleaseResult struct {
	Sent  bool // an unsubscribe went out on the wire
	Count int  // refcount after the call
}

// Release removes one consumer's interest in t. Releasing a topic nobody holds
// is a no-op. On the 1->0 transition the entry is removed and the unsubscribe
// message is sent, guarded like Acquire.
func (r *Registry) Release(t protocol.Topic) ReleaseResult {
	prevCount := r.counts[t]
	if prevCount <= 0 {
		return ReleaseResult{}
	}

	if prevCount > 1 {
		r.counts[t] = prevCount - 1
		return ReleaseResult{Count: prevCount - 1}
	}

	delete(r.counts, t)
	if r.OnActiveChanged != nil {
		r.OnActiveChanged(t, false)
	}
	return ReleaseResult{Sent: r.send(t.UnsubscribeEvent(), t)}
}

// Count returns the current refcount for t.
func (r *Registry) Count(t protocol.Topic) int {
	return r.counts[t]
}

// Topics returns every topic with a positive refcount, sorted.
func (r *Registry) Topics() []protocol.Topic {
	result := make([]protocol.Topic, 0, len(r.counts))
	for t := range r.counts {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Resync re-sends subscribe for every held topic. Used after a reconnect,
// since the server forgets subscriptions with the old connection.
// Returns the number of subscribes sent.
func (r *Registry) Resync() int {
	sent := 0
	for _, t := range r.Topics() {
		if r.send(t.SubscribeEvent(), t) {
			sent++
		}
	}
	return sent
}

func (r *Registry) send(event protocol.EventName, t protocol.Topic) bool {
	if !r.sender.Connected() {
		r.logger.Debug("not connected, control message not sent",
			zap.String("event", string(event)), zap.Stringer("topic", t))
		return false
	}
	if err := r.sender.Emit(event, t.ID); err != nil {
		r.logger.Warn("control message failed",
			zap.String("event", string(event)), zap.Stringer("topic", t), zap.Error(err))
		return false
	}
	return true
}
