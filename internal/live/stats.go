package live

import (
	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
)

// Stats keeps the latest platform stats snapshot.
type Stats struct {
	binding

	// loop-confined
	latest *protocol.PlatformStats
	obs    observe.Subject[protocol.PlatformStats]
}

// NewStats starts following stats:update.
func NewStats(env Env) (*Stats, error) {
	s := &Stats{binding: binding{env: env}}
	err := s.bind(func() {
		on(&s.binding, protocol.StatsUpdated, s.onUpdate)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stats) onUpdate(p protocol.PlatformStats) {
	s.latest = &p
	s.obs.Notify(p)
}

// Latest returns the last snapshot, if any arrived.
func (s *Stats) Latest() (protocol.PlatformStats, bool) {
	type result struct {
		stats protocol.PlatformStats
		ok    bool
	}
	r := read(&s.binding, func() result {
		if s.latest == nil {
			return result{}
		}
		return result{*s.latest, true}
	})
	return r.stats, r.ok
}

// OnChange calls fn on the loop with every snapshot.
func (s *Stats) OnChange(fn func(protocol.PlatformStats)) observe.Token {
	return read(&s.binding, func() observe.Token { return s.obs.Subscribe(fn) })
}

// Unobserve removes an observer. Idempotent.
func (s *Stats) Unobserve(tok observe.Token) bool {
	return read(&s.binding, func() bool { return s.obs.Unsubscribe(tok) })
}

// Close stops following stats.
func (s *Stats) Close() error {
	return s.close(s.obs.Clear)
}
