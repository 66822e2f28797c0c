package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
)

const maxMessageBytes = 4 << 20

// streamableHandler serves the single-shot duplex channel: a fresh stateless
// MCP server per request, discarded when the request completes.
func (s *Server) streamableHandler(c *gin.Context) {
	s.configureRegistry(c.Request.Context())
	handler := server.NewStreamableHTTPServer(s.newMCPServer(), server.WithStateLess(true))
	handler.ServeHTTP(c.Writer, c.Request)
}

// sseHandler opens a streamed channel. The binding lives exactly as long as the stream.
func (s *Server) sseHandler(c *gin.Context) {
	ctx := c.Request.Context()
	select {
	case <-s.closing:
		abortWithError(c, http.StatusServiceUnavailable,
			core.NewError(core.CodeInternal, "server is shutting down", nil))
		return
	default:
	}
	s.configureRegistry(ctx)
	mcpServer := s.newMCPServer()
	id := uuid.NewString()
	session := newSSESession(ctx, id, mcpServer)
	log := logger.FromContext(ctx).With("session_id", id)
	if err := s.sessions.Add(session); err != nil {
		log.Warn("Rejected SSE session", "error", err, "active", s.sessions.Len())
		session.close()
		abortWithError(c, http.StatusServiceUnavailable, err)
		return
	}
	if err := mcpServer.RegisterSession(ctx, session); err != nil {
		s.sessions.Remove(id)
		session.close()
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	recordSessionOpened(ctx)
	log.Info("SSE session opened", "active", s.sessions.Len())
	defer func() {
		// Unbind first so no message is accepted for a stream that is going away.
		s.sessions.Remove(id)
		session.close()
		mcpServer.UnregisterSession(context.WithoutCancel(ctx), id)
		recordSessionClosed(context.WithoutCancel(ctx), time.Since(session.openedAt))
		log.Info("SSE session closed", "active", s.sessions.Len(), "lifetime", time.Since(session.openedAt))
	}()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if err := writeEvent(c.Writer, "endpoint", "/messages?sessionId="+id); err != nil {
		return
	}
	s.stream(c.Writer, session, log)
}

func (s *Server) stream(w gin.ResponseWriter, session *sseSession, log logger.Logger) {
	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()
	var expired <-chan time.Time
	if s.config.SessionTimeout > 0 {
		timer := time.NewTimer(s.config.SessionTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case <-session.done():
			return
		case <-s.closing:
			return
		case <-expired:
			log.Info("SSE session reached its timeout", "timeout", s.config.SessionTimeout)
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			w.Flush()
		case data := <-session.events:
			if err := writeEvent(w, "message", string(data)); err != nil {
				log.Debug("Failed to write SSE message", "error", err)
				return
			}
		case notification := <-session.notifications:
			data, err := json.Marshal(notification)
			if err != nil {
				log.Warn("Failed to encode notification", "error", err)
				continue
			}
			if err := writeEvent(w, "message", string(data)); err != nil {
				return
			}
		}
	}
}

func writeEvent(w gin.ResponseWriter, event, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// messageHandler routes an out-of-band message to its session. The response
// is delivered on the session's stream, not in this HTTP reply.
func (s *Server) messageHandler(c *gin.Context) {
	id := c.Query("sessionId")
	if id == "" {
		abortWithError(c, http.StatusBadRequest,
			core.NewError(core.CodeInvalidArgument, "sessionId query parameter is required", nil))
		return
	}
	session, err := s.sessions.Get(id)
	if err != nil {
		logger.FromContext(c.Request.Context()).Debug("Message for unknown session", "session_id", id)
		abortWithError(c, http.StatusNotFound, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageBytes))
	if err != nil || !json.Valid(body) {
		abortWithError(c, http.StatusBadRequest,
			core.NewError(core.CodeInvalidArgument, "request body must be a JSON-RPC message", nil))
		return
	}
	log := logger.FromContext(session.ctx).With("session_id", id)
	ctx := session.mcp.WithContext(logger.ContextWithLogger(session.ctx, log), session)
	go func() {
		resp := session.mcp.HandleMessage(ctx, body)
		if resp == nil {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			log.Error("Failed to encode response", "error", err)
			return
		}
		if !session.send(data) {
			log.Debug("Session closed before the response was delivered")
		}
	}()
	c.String(http.StatusAccepted, "Accepted")
}
