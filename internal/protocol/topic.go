package protocol

import "strings"

// Topic kinds observed on the wire.
const (
	KindFeedSource   = "feed:source"
	KindFeedCategory = "feed:category"
	KindCampaign     = "campaign"
)

// Topic identifies one subscribable stream.
type Topic struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// SourceTopic returns the topic for a single source feed.
func SourceTopic(sourceID string) Topic {
	return Topic{Kind: KindFeedSource, ID: sourceID}
}

// CategoryTopic returns the topic for a feed category.
func CategoryTopic(category string) Topic {
	return Topic{Kind: KindFeedCategory, ID: category}
}

// CampaignTopic returns the topic for a campaign.
func CampaignTopic(campaignID string) Topic {
	return Topic{Kind: KindCampaign, ID: campaignID}
}

// SubscribeEvent is the control event sent when the first consumer acquires t.
// "feed:source" becomes "feed:subscribe:source", "campaign" becomes "campaign:subscribe".
func (t Topic) SubscribeEvent() EventName {
	return t.controlEvent("subscribe")
}

// UnsubscribeEvent is the control event sent when the last consumer releases t.
func (t Topic) UnsubscribeEvent() EventName {
	return t.controlEvent("unsubscribe")
}

func (t Topic) controlEvent(verb string) EventName {
	ns, rest, found := strings.Cut(t.Kind, ":")
	if !found {
		return EventName(ns + ":" + verb)
	}
	return EventName(ns + ":" + verb + ":" + rest)
}

func (t Topic) String() string {
	return t.Kind + "/" + t.ID
}
