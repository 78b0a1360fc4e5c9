package feed

import (
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/pull"
)

// Scope narrows a view to one source, one category, or both. The zero Scope
// is the unscoped global feed.
type Scope struct {
	SourceID string `json:"sourceId,omitempty"`
	Category string `json:"category,omitempty"`
}

// IsZero reports whether s is the global feed.
func (s Scope) IsZero() bool {
	return s.SourceID == "" && s.Category == ""
}

// Topics returns the push topics the scope needs.
func (s Scope) Topics() []protocol.Topic {
	var result []protocol.Topic
	if s.SourceID != "" {
		result = append(result, protocol.SourceTopic(s.SourceID))
	}
	if s.Category != "" {
		result = append(result, protocol.CategoryTopic(s.Category))
	}
	return result
}

// NewItemEvents returns the single-item push events the scope listens to.
func (s Scope) NewItemEvents() []protocol.Event[protocol.FeedItem] {
	if s.IsZero() {
		return []protocol.Event[protocol.FeedItem]{protocol.FeedNew}
	}
	var result []protocol.Event[protocol.FeedItem]
	if s.SourceID != "" {
		result = append(result, protocol.FeedSourceNew)
	}
	if s.Category != "" {
		result = append(result, protocol.FeedCategoryNew)
	}
	return result
}

// Matches reports whether a pushed item belongs in the scope. An item that
// does not name its source is not rejected on source.
func (s Scope) Matches(item protocol.FeedItem) bool {
	if s.SourceID != "" && item.SourceID != "" && item.SourceID != s.SourceID {
		return false
	}
	if s.Category != "" && !item.HasCategory(s.Category) {
		return false
	}
	return true
}

// Query builds the pull query for one page.
func (s Scope) Query(limit, offset int) pull.Query {
	return pull.Query{
		Limit:    limit,
		Offset:   offset,
		SourceID: s.SourceID,
		Category: s.Category,
	}
}

func (s Scope) String() string {
	switch {
	case s.IsZero():
		return "all"
	case s.Category == "":
		return "source:" + s.SourceID
	case s.SourceID == "":
		return "category:" + s.Category
	}
	return "source:" + s.SourceID + "+category:" + s.Category
}
