package live

import (
	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/window"
	"go.uber.org/zap"
)

// Notifications keeps the newest notifications in a bounded buffer.
type Notifications struct {
	binding
	logger *zap.Logger

	// loop-confined
	buffer *window.Buffer[protocol.Notification]
	obs    observe.Subject[[]protocol.Notification]
}

// NewNotifications starts following notification:new.
func NewNotifications(env Env, capacity int) (*Notifications, error) {
	n := &Notifications{
		binding: binding{env: env},
		logger:  env.logger("notifications"),
		buffer:  window.New(capacity, func(n protocol.Notification) string { return n.ID }),
	}
	err := n.bind(func() {
		on(&n.binding, protocol.NotificationNew, n.onNew)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Notifications) onNew(note protocol.Notification) {
	if n.buffer.Prepend(note) {
		n.changed()
	}
}

func (n *Notifications) changed() {
	if n.obs.Len() > 0 {
		n.obs.Notify(n.buffer.Items())
	}
}

func (n *Notifications) unread() int {
	count := 0
	for _, note := range n.buffer.Items() {
		if !note.Read {
			count++
		}
	}
	return count
}

// Items returns the held notifications, newest first.
func (n *Notifications) Items() []protocol.Notification {
	return read(&n.binding, n.buffer.Items)
}

// Unread returns how many held notifications are unread.
func (n *Notifications) Unread() int {
	return read(&n.binding, n.unread)
}

// MarkRead marks one notification read locally. Returns false if it is not
// held or was already read.
func (n *Notifications) MarkRead(id string) bool {
	return read(&n.binding, func() bool {
		changed := false
		n.buffer.Modify(id, func(note *protocol.Notification) {
			changed = !note.Read
			note.Read = true
		})
		if changed {
			n.changed()
		}
		return changed
	})
}

// MarkAllRead marks every held notification read and returns how many changed.
func (n *Notifications) MarkAllRead() int {
	return read(&n.binding, func() int {
		count := 0
		for _, note := range n.buffer.Items() {
			if note.Read {
				continue
			}
			n.buffer.Modify(note.ID, func(held *protocol.Notification) { held.Read = true })
			count++
		}
		if count > 0 {
			n.changed()
		}
		return count
	})
}

// OnChange calls fn on the loop with the buffer after each change.
func (n *Notifications) OnChange(fn func([]protocol.Notification)) observe.Token {
	return read(&n.binding, func() observe.Token { return n.obs.Subscribe(fn) })
}

// Unobserve removes an observer. Idempotent.
func (n *Notifications) Unobserve(tok observe.Token) bool {
	return read(&n.binding, func() bool { return n.obs.Unsubscribe(tok) })
}

// Close stops following notifications.
func (n *Notifications) Close() error {
	return n.close(n.obs.Clear)
}
