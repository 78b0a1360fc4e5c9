package live

import (
	"fmt"
	"sort"

	"github.com/zot/livefeed/internal/observe"
	"github.com/zot/livefeed/internal/protocol"
	"go.uber.org/zap"
)

// CampaignState is a snapshot of one followed campaign.
type CampaignState struct {
	Campaign protocol.Campaign `json:"campaign"`
	Members  []string          `json:"members"` // user ids seen joining, sorted
	Known    bool              `json:"known"`   // at least one campaign:update arrived
}

// Campaign follows one campaign through its topic.
type Campaign struct {
	binding
	id     string
	logger *zap.Logger

	// loop-confined
	state   protocol.Campaign
	known   bool
	members map[string]protocol.CampaignMember
	obs     observe.Subject[CampaignState]
}

// NewCampaign acquires the campaign's topic and follows its updates and
// membership changes.
func NewCampaign(env Env, id string) (*Campaign, error) {
	if id == "" {
		return nil, fmt.Errorf("live: campaign id is empty")
	}
	c := &Campaign{
		binding: binding{env: env},
		id:      id,
		logger:  env.logger("campaign").With(zap.String("campaign", id)),
		state:   protocol.Campaign{ID: id},
		members: make(map[string]protocol.CampaignMember),
	}
	err := c.bind(func() {
		c.acquire(protocol.CampaignTopic(id))
		on(&c.binding, protocol.CampaignUpdated, c.onUpdate)
		on(&c.binding, protocol.CampaignMemberJoined, c.onJoined)
		on(&c.binding, protocol.CampaignMemberLeft, c.onLeft)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the campaign id.
func (c *Campaign) ID() string {
	return c.id
}

func (c *Campaign) onUpdate(u protocol.CampaignUpdate) {
	if u.ID != c.id {
		return
	}
	u.Apply(&c.state)
	c.known = true
	c.changed()
}

func (c *Campaign) onJoined(m protocol.CampaignMember) {
	if m.CampaignID != c.id {
		return
	}
	_, seen := c.members[m.UserID]
	c.members[m.UserID] = m
	switch {
	case m.MemberCount != nil:
		c.state.MemberCount = *m.MemberCount
	case !seen:
		c.state.MemberCount++
	}
	c.changed()
}

func (c *Campaign) onLeft(m protocol.CampaignMember) {
	if m.CampaignID != c.id {
		return
	}
	_, seen := c.members[m.UserID]
	delete(c.members, m.UserID)
	switch {
	case m.MemberCount != nil:
		c.state.MemberCount = *m.MemberCount
	case seen && c.state.MemberCount > 0:
		c.state.MemberCount--
	}
	c.changed()
}

func (c *Campaign) snapshot() CampaignState {
	members := make([]string, 0, len(c.members))
	for id := range c.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return CampaignState{Campaign: c.state, Members: members, Known: c.known}
}

func (c *Campaign) changed() {
	if c.obs.Len() > 0 {
		c.obs.Notify(c.snapshot())
	}
}

// State returns the current snapshot.
func (c *Campaign) State() CampaignState {
	return read(&c.binding, c.snapshot)
}

// OnChange calls fn on the loop after each change.
func (c *Campaign) OnChange(fn func(CampaignState)) observe.Token {
	return read(&c.binding, func() observe.Token { return c.obs.Subscribe(fn) })
}

// Unobserve removes an observer. Idempotent.
func (c *Campaign) Unobserve(tok observe.Token) bool {
	return read(&c.binding, func() bool { return c.obs.Unsubscribe(tok) })
}

// Close releases the campaign topic and its handlers.
func (c *Campaign) Close() error {
	return c.close(c.obs.Clear)
}
