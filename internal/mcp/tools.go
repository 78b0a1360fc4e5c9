package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	livefeed "github.com/zot/livefeed/lib/go"
)

const defaultSnapshotLimit = 20

func (s *Server) registerTools() {
	s.mcp.AddTool(mcpgo.NewTool("connection_state",
		mcpgo.WithDescription("Current connection state, held topics and open feed views"),
	), s.handleConnectionState)

	s.mcp.AddTool(mcpgo.NewTool("list_topics",
		mcpgo.WithDescription("Topics with at least one consumer, sorted by kind then id"),
	), s.handleListTopics)

	s.mcp.AddTool(mcpgo.NewTool("feed_snapshot",
		mcpgo.WithDescription("Newest items of a feed view, opening and seeding it on first use"),
		mcpgo.WithString("source", mcpgo.Description("Source id to scope the view to")),
		mcpgo.WithString("category", mcpgo.Description("Category to scope the view to")),
		mcpgo.WithNumber("limit", mcpgo.Description("Maximum items to return (default 20)")),
	), s.handleFeedSnapshot)

	s.mcp.AddTool(mcpgo.NewTool("load_more",
		mcpgo.WithDescription("Fetch the next page of a feed view"),
		mcpgo.WithString("source", mcpgo.Description("Source id of the view")),
		mcpgo.WithString("category", mcpgo.Description("Category of the view")),
	), s.handleLoadMore)
}

func scopeArg(req mcpgo.CallToolRequest) livefeed.Scope {
	return livefeed.Scope{
		SourceID: req.GetString("source", ""),
		Category: req.GetString("category", ""),
	}
}

func jsonResult(v interface{}) (*mcpgo.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

func (s *Server) handleConnectionState(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return jsonResult(s.snapshot())
}

func (s *Server) handleListTopics(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	topics := s.client.Topics()
	if topics == nil {
		topics = []livefeed.Topic{}
	}
	return jsonResult(topics)
}

func (s *Server) handleFeedSnapshot(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	scope := scopeArg(req)
	v, err := s.view(ctx, scope)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	items := v.Items()
	limit := req.GetInt("limit", defaultSnapshotLimit)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return jsonResult(FeedSnapshot{
		ViewSummary: ViewSummary{Scope: scope.String(), Len: v.Len(), HasMore: v.HasMore()},
		Items:       items,
	})
}

func (s *Server) handleLoadMore(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	scope := scopeArg(req)
	v, err := s.view(ctx, scope)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	before := v.Len()
	more, err := v.LoadMore(ctx)
	if err != nil && !errors.Is(err, livefeed.ErrStale) {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return jsonResult(LoadMoreResult{
		ViewSummary: ViewSummary{Scope: scope.String(), Len: v.Len(), HasMore: more},
		Added:       v.Len() - before,
	})
}
