package live

import (
	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/window"
	"go.uber.org/zap"
)

// Support keeps recent support requests, newest first, updated in place.
type Support struct {
	binding
	logger *zap.Logger

	// loop-confined
	buffer *window.Buffer[protocol.SupportRequest]
	obs    observe.Subject[[]protocol.SupportRequest]
}

// NewSupport starts following support:new and support:update.
func NewSupport(env Env, capacity int) (*Support, error) {
	s := &Support{
		binding: binding{env: env},
		logger:  env.logger("support"),
		buffer:  window.New(capacity, func(r protocol.SupportRequest) string { return r.ID }),
	}
	err := s.bind(func() {
		on(&s.binding, protocol.SupportRequestNew, s.onNew)
		on(&s.binding, protocol.SupportRequestUpdated, s.onUpdate)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Support) onNew(r protocol.SupportRequest) {
	if s.buffer.Prepend(r) {
		s.changed()
	}
}

func (s *Support) onUpdate(u protocol.SupportUpdate) {
	if !s.buffer.Modify(u.ID, u.Apply) {
		s.logger.Debug("update for unknown request dropped", zap.String("id", u.ID))
		return
	}
	s.changed()
}

func (s *Support) changed() {
	if s.obs.Len() > 0 {
		s.obs.Notify(s.buffer.Items())
	}
}

// Items returns the held requests, newest first.
func (s *Support) Items() []protocol.SupportRequest {
	return read(&s.binding, s.buffer.Items)
}

// OpenCount returns how many held requests are neither resolved nor closed.
func (s *Support) OpenCount() int {
	return read(&s.binding, func() int {
		count := 0
		for _, r := range s.buffer.Items() {
			if r.Status != "resolved" && r.Status != "closed" {
				count++
			}
		}
		return count
	})
}

// OnChange calls fn on the loop with the buffer after each change.
func (s *Support) OnChange(fn func([]protocol.SupportRequest)) observe.Token {
	return read(&s.binding, func() observe.Token { return s.obs.Subscribe(fn) })
}

// Unobserve removes an observer. Idempotent.
func (s *Support) Unobserve(tok observe.Token) bool {
	return read(&s.binding, func() bool { return s.obs.Unsubscribe(tok) })
}

// Close stops following support requests.
func (s *Support) Close() error {
	return s.close(s.obs.Clear)
}
