package mcpserver

import (
	"context"
	"errors"
	"io"
	stdlog "log"
	"strings"

	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/mark3labs/mcp-go/server"
)

// StdioStreams are the process streams used by the stdio transport.
type StdioStreams struct {
	In  io.Reader
	Out io.Writer
}

// ServeStdio runs one MCP server over in/out until ctx is canceled or in is
// exhausted. out must carry nothing but protocol messages.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	log := logger.FromContext(ctx).With("transport", TransportStdio)
	ctx = logger.ContextWithLogger(ctx, log)
	s.configureRegistry(ctx)
	stdio := server.NewStdioServer(s.newMCPServer())
	stdio.SetErrorLogger(stdlog.New(errorLogWriter{log: log}, "", 0))
	log.Info("MCP server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		log.Info("Stdio transport closed")
		return nil
	}
	return err
}

// errorLogWriter routes the stdio server's error log through the structured logger.
type errorLogWriter struct {
	log logger.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.log.Error("Stdio transport error", "error", strings.TrimSpace(string(p)))
	return len(p), nil
}
