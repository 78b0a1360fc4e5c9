package live

import (
	"sort"

	"github.com/zot/livefeed/internal/dispatch"
	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/svc"
	"go.uber.org/zap"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Presence tracks who is online and reports this client's own status.
type Presence struct {
	binding
	logger *zap.Logger

	// loop-confined
	users map[string]protocol.UserPresence
	obs   observe.Subject[[]protocol.UserPresence]
}

// NewPresence starts following user:online, user:offline and user:presence.
func NewPresence(env Env) (*Presence, error) {
	p := &Presence{
		binding: binding{env: env},
		logger:  env.logger("presence"),
		users:   make(map[string]protocol.UserPresence),
	}
	err := p.bind(func() {
		on(&p.binding, protocol.UserOnline, p.onOnline)
		on(&p.binding, protocol.UserOffline, p.onOffline)
		on(&p.binding, protocol.UserPresenceChanged, p.onChanged)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Presence) onOnline(u protocol.UserPresence) {
	if u.Status == "" {
		u.Status = StatusOnline
	}
	p.set(u)
}

func (p *Presence) onOffline(u protocol.UserPresence) {
	if _, ok := p.users[u.UserID]; !ok {
		return
	}
	delete(p.users, u.UserID)
	p.notify()
}

func (p *Presence) onChanged(u protocol.UserPresence) {
	if u.Status == StatusOffline {
		p.onOffline(u)
		return
	}
	p.set(u)
}

func (p *Presence) set(u protocol.UserPresence) {
	if old, ok := p.users[u.UserID]; ok && old == u {
		return
	}
	p.users[u.UserID] = u
	p.notify()
}

func (p *Presence) snapshot() []protocol.UserPresence {
	result := make([]protocol.UserPresence, 0, len(p.users))
	for _, u := range p.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

func (p *Presence) notify() {
	if p.obs.Len() > 0 {
		p.obs.Notify(p.snapshot())
	}
}

// Online returns every user currently present, sorted by id.
func (p *Presence) Online() []protocol.UserPresence {
	return read(&p.binding, p.snapshot)
}

// Count returns how many users are present.
func (p *Presence) Count() int {
	return read(&p.binding, func() int { return len(p.users) })
}

// IsOnline reports whether userID is present.
func (p *Presence) IsOnline(userID string) bool {
	return read(&p.binding, func() bool {
		_, ok := p.users[userID]
		return ok
	})
}

// Update reports this client's status. Dropped with ErrNotConnected from the
// connection when offline.
func (p *Presence) Update(status, page string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	_, err := svc.Sync(p.env.Loop, func() (struct{}, error) {
		return struct{}{}, dispatch.Send(p.env.Dispatcher, protocol.PresenceUpdated, protocol.PresenceUpdate{Status: status, Page: page})
	})
	return err
}

// OnChange calls fn on the loop with the sorted online list after each change.
func (p *Presence) OnChange(fn func([]protocol.UserPresence)) observe.Token {
	return read(&p.binding, func() observe.Token { return p.obs.Subscribe(fn) })
}

// Unobserve removes an observer. Idempotent.
func (p *Presence) Unobserve(tok observe.Token) bool {
	return read(&p.binding, func() bool { return p.obs.Unsubscribe(tok) })
}

// Close stops following presence.
func (p *Presence) Close() error {
	return p.close(p.obs.Clear)
}
