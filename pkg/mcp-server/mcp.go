package mcpserver

import (
	"context"

	"github.com/evanfang0054/knowledge-base-mcp/engine/mcp/tools"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/version"
	"github.com/mark3labs/mcp-go/server"
)

const instructions = "Call resolve-knowledge-ids to find knowledge base IDs, " +
	"then call get-knowledge-docs with those IDs to retrieve matching passages."

// newMCPServer builds a fresh protocol server bound to the shared registry.
func (s *Server) newMCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		version.Name,
		version.Get().Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	mcpServer.AddTools(tools.NewHandlers(s.registry).All()...)
	return mcpServer
}

// configureRegistry applies the current upstream settings before a session
// starts. Failures are logged; tool calls then report the registry state.
func (s *Server) configureRegistry(ctx context.Context) {
	if s.difyConfig == nil {
		return
	}
	if err := s.registry.Configure(ctx, s.difyConfig()); err != nil {
		logger.FromContext(ctx).Warn("Failed to configure knowledge repository", "error", err)
	}
}
