package mcp

import (
	livefeed "github.com/zot/livefeed/lib/go"
)

// StateSnapshot is returned by connection_state and livefeed://state.
type StateSnapshot struct {
	Connection livefeed.Status  `json:"connection"`
	Topics     []livefeed.Topic `json:"topics"`
	Views      []ViewSummary    `json:"views"`
}

// ViewSummary describes one open feed view.
type ViewSummary struct {
	Scope   string `json:"scope"`
	Len     int    `json:"len"`
	HasMore bool   `json:"hasMore"`
}

// FeedSnapshot is returned by feed_snapshot.
type FeedSnapshot struct {
	ViewSummary
	Items []livefeed.FeedItem `json:"items"`
}

// LoadMoreResult is returned by load_more.
type LoadMoreResult struct {
	ViewSummary
	Added int `json:"added"`
}
