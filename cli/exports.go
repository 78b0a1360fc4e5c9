// Package cli provides the command-line interface for livefeed.
// This file re-exports the client and inspection server for wrapper projects.
package cli

import (
	"github.com/zot/livefeed/internal/mcp"
	livefeed "github.com/zot/livefeed/lib/go"
)

// Re-export client types for wrapper commands
type (
	Client      = livefeed.Client
	FeedOptions = livefeed.FeedOptions
	Scope       = livefeed.Scope
	MCPServer   = mcp.Server
)

// Re-export constructors
var (
	NewClient    = livefeed.New
	NewMCPServer = mcp.NewServer
)
