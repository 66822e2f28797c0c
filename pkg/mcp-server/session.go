package mcpserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const sessionBufferSize = 100

// sseSession binds one open SSE stream to its MCP server instance. It
// implements server.ClientSession so the MCP server can push notifications.
type sseSession struct {
	id            string
	openedAt      time.Time
	mcp           *server.MCPServer
	ctx           context.Context
	cancel        context.CancelFunc
	events        chan []byte
	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool
	closeOnce     sync.Once
}

var _ server.ClientSession = (*sseSession)(nil)

func newSSESession(ctx context.Context, id string, mcpServer *server.MCPServer) *sseSession {
	ctx, cancel := context.WithCancel(ctx)
	return &sseSession{
		id:            id,
		openedAt:      time.Now(),
		mcp:           mcpServer,
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan []byte, sessionBufferSize),
		notifications: make(chan mcp.JSONRPCNotification, sessionBufferSize),
	}
}

func (s *sseSession) SessionID() string {
	return s.id
}

func (s *sseSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

func (s *sseSession) Initialize() {
	s.initialized.Store(true)
}

func (s *sseSession) Initialized() bool {
	return s.initialized.Load()
}

// send queues an encoded JSON-RPC message for the stream. It reports false
// once the session is closed.
func (s *sseSession) send(data []byte) bool {
	select {
	case s.events <- data:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *sseSession) close() {
	s.closeOnce.Do(s.cancel)
}

func (s *sseSession) done() <-chan struct{} {
	return s.ctx.Done()
}

// SessionTable holds the live streamed-channel bindings keyed by session id.
// Entries leave the table only when their stream closes.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*sseSession
	max      int
}

// NewSessionTable creates a table; max <= 0 means unbounded.
func NewSessionTable(maxSessions int) *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*sseSession),
		max:      maxSessions,
	}
}

func (t *SessionTable) Add(s *sseSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max > 0 && len(t.sessions) >= t.max {
		return core.NewError(core.CodeTooManySessions, "maximum number of sessions reached",
			map[string]any{"max_sessions": t.max})
	}
	t.sessions[s.id] = s
	return nil
}

// Get returns the binding for id, or UNKNOWN_SESSION when it is absent or
// its stream has already closed.
func (t *SessionTable) Get(id string) (*sseSession, error) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok || s.ctx.Err() != nil {
		return nil, core.NewError(core.CodeUnknownSession, "session not found or already closed",
			map[string]any{"session_id": id})
	}
	return s, nil
}

func (t *SessionTable) Remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// CloseAll cancels every open stream; each stream removes itself on exit.
func (t *SessionTable) CloseAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		s.close()
	}
}
