package mcp

import (
	"context"
	"encoding/json"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// StateURI is the resource holding the StateSnapshot.
const StateURI = "livefeed://state"

func (s *Server) registerResources() {
	s.mcp.AddResource(mcpgo.NewResource(StateURI, "Client State",
		mcpgo.WithResourceDescription("Connection status, held topics and open feed views"),
		mcpgo.WithMIMEType("application/json"),
	), s.readState)
}

func (s *Server) readState(ctx context.Context, req mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		return nil, err
	}
	return []mcpgo.ResourceContents{
		mcpgo.TextResourceContents{
			URI:      StateURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
