// Package mcp exposes a running client to MCP tools over stdio: connection
// state, held topics, and feed views that can be opened, read and paged.
package mcp

import (
	"context"
	"sort"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"
	livefeed "github.com/zot/livefeed/lib/go"
	"go.uber.org/zap"
)

// Client is the part of livefeed.Client the server inspects.
type Client interface {
	State() livefeed.Status
	Topics() []livefeed.Topic
	NewFeedView(ctx context.Context, opts livefeed.FeedOptions) (*livefeed.FeedView, error)
}

// Server wraps an MCP server bound to one client. Feed views opened through
// tools stay open, keyed by scope, until Close.
type Server struct {
	client Client
	logger *zap.Logger
	mcp    *mcpserver.MCPServer

	mu    sync.Mutex
	views map[string]*livefeed.FeedView
}

// NewServer creates the server and registers every tool and resource.
func NewServer(client Client, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		client: client,
		logger: logger.Named("mcp"),
		views:  make(map[string]*livefeed.FeedView),
		mcp: mcpserver.NewMCPServer(
			"livefeed",
			version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *mcpserver.MCPServer {
	return s.mcp
}

// ServeStdio serves requests on stdin/stdout until stdin closes.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcp)
}

// Close closes every view opened through tools.
func (s *Server) Close() {
	s.mu.Lock()
	views := s.views
	s.views = make(map[string]*livefeed.FeedView)
	s.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}

// view returns the open view for scope, opening and seeding it on first use.
func (s *Server) view(ctx context.Context, scope livefeed.Scope) (*livefeed.FeedView, error) {
	key := scope.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[key]; ok {
		return v, nil
	}
	v, err := s.client.NewFeedView(ctx, livefeed.FeedOptions{Scope: scope})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("opened view", zap.String("scope", key))
	s.views[key] = v
	return v, nil
}

func (s *Server) openViews() []ViewSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]ViewSummary, 0, len(s.views))
	for key, v := range s.views {
		result = append(result, ViewSummary{Scope: key, Len: v.Len(), HasMore: v.HasMore()})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Scope < result[j].Scope })
	return result
}

func (s *Server) snapshot() StateSnapshot {
	return StateSnapshot{
		Connection: s.client.State(),
		Topics:     s.client.Topics(),
		Views:      s.openViews(),
	}
}
