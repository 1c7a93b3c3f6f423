// Package mcpserver exposes settlement operator actions as MCP tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("shortlet-ops", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListJobLocks, h.HandleListJobLocks)
	s.AddTool(ToolReleaseJobLock, h.HandleReleaseJobLock)
	s.AddTool(ToolGetEscrowEvents, h.HandleGetEscrowEvents)
	s.AddTool(ToolGetBookingDeliveries, h.HandleGetBookingDeliveries)
	s.AddTool(ToolGetHealthStats, h.HandleGetHealthStats)
	s.AddTool(ToolRunJob, h.HandleRunJob)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)

	return s
}
