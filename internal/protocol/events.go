package protocol

// Transport lifecycle events. These are produced locally by the connection
// manager, never decoded from the wire.
const (
	EventConnect      EventName = "connect"
	EventDisconnect   EventName = "disconnect"
	EventConnectError EventName = "connect_error"
	EventError        EventName = "error"
)

// IsLifecycle reports whether name is one of the transport lifecycle events.
func IsLifecycle(name EventName) bool {
	switch name {
	case EventConnect, EventDisconnect, EventConnectError, EventError:
		return true
	}
	return false
}

// Event is a typed key for a named push event. The type parameter fixes the
// payload shape, so a handler registered for FeedNew can only accept a FeedItem.
type Event[T any] struct {
	Name EventName
}

// Server to client events.
var (
	FeedNew         = Event[FeedItem]{Name: "feed:new"}
	FeedBatch       = Event[FeedBatchPayload]{Name: "feed:batch"}
	FeedUpdated     = Event[FeedUpdate]{Name: "feed:update"}
	FeedStatsEvent  = Event[FeedStats]{Name: "feed:stats"}
	FeedBreaking    = Event[FeedItem]{Name: "feed:breaking"}
	FeedSourceNew   = Event[FeedItem]{Name: "feed:source:new"}
	FeedCategoryNew = Event[FeedItem]{Name: "feed:category:new"}

	CampaignUpdated       = Event[CampaignUpdate]{Name: "campaign:update"}
	CampaignMemberJoined  = Event[CampaignMember]{Name: "campaign:member:joined"}
	CampaignMemberLeft    = Event[CampaignMember]{Name: "campaign:member:left"}
	NotificationNew       = Event[Notification]{Name: "notification:new"}
	StatsUpdated          = Event[PlatformStats]{Name: "stats:update"}
	UserOnline            = Event[UserPresence]{Name: "user:online"}
	UserOffline           = Event[UserPresence]{Name: "user:offline"}
	UserPresenceChanged   = Event[UserPresence]{Name: "user:presence"}
	SupportRequestNew     = Event[SupportRequest]{Name: "support:new"}
	SupportRequestUpdated = Event[SupportUpdate]{Name: "support:update"}
)

// Client to server events.
var (
	PresenceUpdated = Event[PresenceUpdate]{Name: "presence:update"}
)

// Lifecycle wraps a lifecycle event name in a typed key carrying the reason
// or error message.
func Lifecycle(name EventName) Event[string] {
	return Event[string]{Name: name}
}
