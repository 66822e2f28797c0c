package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/evanfang0054/knowledge-base-mcp/engine/infra/monitoring"
	"github.com/evanfang0054/knowledge-base-mcp/engine/knowledge"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initializeMessage = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`

func init() {
	logger.InitForTests()
	gin.SetMode(gin.TestMode)
}

type stubUpstream struct {
	mu      sync.Mutex
	records map[string][]dify.Record
}

func (s *stubUpstream) Retrieve(_ context.Context, datasetID string, _ dify.RetrieveRequest) ([]dify.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[datasetID], nil
}

func (s *stubUpstream) ListDatasets(context.Context, string) ([]dify.Dataset, error) {
	return []dify.Dataset{{ID: "ds-1", Name: "Handbook", Description: dify.DefaultDescription("Handbook")}}, nil
}

func newTestServer(t *testing.T, mutate func(*Config), opts ...Option) *Server {
	t.Helper()
	upstream := &stubUpstream{records: map[string][]dify.Record{
		"ds-1": {{Segment: dify.Segment{Content: "Refunds take five days."}, Score: 0.92}},
	}}
	registry := knowledge.NewRegistry(nil, knowledge.WithUpstreamFactory(func(dify.Config) (knowledge.Upstream, error) {
		return upstream, nil
	}))
	t.Cleanup(registry.Close)
	cfg := DefaultConfig()
	cfg.Transport = TransportSSE
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(cfg)
	}
	difyConfig := func() dify.Config {
		return dify.Config{BaseURL: "https://api.dify.ai/v1", APIKey: "test-key"}
	}
	return NewServer(t.Context(), cfg, registry, difyConfig, opts...)
}

func serve(t *testing.T, s *Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, body []byte) core.Error {
	t.Helper()
	var out core.Error
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestServer_Routes(t *testing.T) {
	t.Run("Should answer liveness checks", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := serve(t, s, http.MethodGet, "/ping", http.NoBody)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "pong", w.Body.String())

		w = serve(t, s, http.MethodGet, "/healthz", http.NoBody)
		assert.Equal(t, http.StatusOK, w.Code)
		var health map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
		assert.Equal(t, "ok", health["status"])
		assert.Contains(t, health, "timestamp")
		assert.Contains(t, health, "version")
	})

	t.Run("Should return not found for unmatched paths and methods", func(t *testing.T) {
		s := newTestServer(t, nil)
		assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/unknown", http.NoBody).Code)
		assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodDelete, "/sse", http.NoBody).Code)
		assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/messages", http.NoBody).Code)
	})

	t.Run("Should answer CORS preflight for any path", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := serve(t, s, http.MethodOptions, "/mcp", http.NoBody)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "MCP-Session-Id")
		assert.Equal(t, "MCP-Session-Id", w.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("Should only echo configured origins", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"https://app.example"} })
		req := httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
		req.Header.Set("Origin", "https://app.example")
		w := httptest.NewRecorder()
		s.Router.ServeHTTP(w, req)
		assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
		req.Header.Set("Origin", "https://evil.example")
		w = httptest.NewRecorder()
		s.Router.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestServer_Metrics(t *testing.T) {
	t.Run("Should expose request metrics on the configured path", func(t *testing.T) {
		svc, err := monitoring.New(t.Context(), &monitoring.Config{Enabled: true, Path: "/metrics"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Shutdown(context.WithoutCancel(t.Context())) })
		s := newTestServer(t, nil, WithMonitoring(svc))

		require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/ping", http.NoBody).Code)
		w := serve(t, s, http.MethodGet, "/metrics", http.NoBody)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "mcp_http_requests_total")
		assert.Contains(t, w.Body.String(), `path="/ping"`)
	})

	t.Run("Should not register the metrics route when monitoring is disabled", func(t *testing.T) {
		svc, err := monitoring.New(t.Context(), &monitoring.Config{Enabled: false, Path: "/metrics"})
		require.NoError(t, err)
		s := newTestServer(t, nil, WithMonitoring(svc))
		assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/metrics", http.NoBody).Code)
	})
}

func TestClientIP(t *testing.T) {
	t.Run("Should prefer the first forwarded address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		assert.Equal(t, "203.0.113.7", clientIP(req))
	})

	t.Run("Should fall back to the connection address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.RemoteAddr = "192.0.2.10:51234"
		assert.Equal(t, "192.0.2.10", clientIP(req))
	})
}

func TestServer_MessageRouting(t *testing.T) {
	t.Run("Should require a session id", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := serve(t, s, http.MethodPost, "/messages", strings.NewReader(initializeMessage))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, core.CodeInvalidArgument, decodeError(t, w.Body.Bytes()).Code)
	})

	t.Run("Should reject unknown sessions and leave the table unchanged", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := serve(t, s, http.MethodPost, "/messages?sessionId=never-opened", strings.NewReader(initializeMessage))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, core.CodeUnknownSession, decodeError(t, w.Body.Bytes()).Code)
		assert.Zero(t, s.Sessions().Len())
	})

	t.Run("Should reject messages for a session whose stream already closed", func(t *testing.T) {
		s := newTestServer(t, nil)
		session := newSSESession(t.Context(), "closed-id", s.newMCPServer())
		require.NoError(t, s.Sessions().Add(session))
		session.close()

		w := serve(t, s, http.MethodPost, "/messages?sessionId=closed-id", strings.NewReader(initializeMessage))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, core.CodeUnknownSession, decodeError(t, w.Body.Bytes()).Code)
	})
}

type sseClient struct {
	t        *testing.T
	baseURL  string
	resp     *http.Response
	reader   *bufio.Reader
	endpoint string
}

func openSSE(t *testing.T, baseURL string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	client := &sseClient{t: t, baseURL: baseURL, resp: resp, reader: bufio.NewReader(resp.Body)}
	if resp.StatusCode != http.StatusOK {
		return client
	}
	event, data := client.next()
	require.Equal(t, "endpoint", event)
	client.endpoint = data
	return client
}

// next returns the next event, skipping keep-alive comments.
func (c *sseClient) next() (string, string) {
	c.t.Helper()
	var event, data string
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(c.t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (c *sseClient) post(body string) int {
	c.t.Helper()
	req, err := http.NewRequestWithContext(c.t.Context(), http.MethodPost, c.baseURL+c.endpoint, strings.NewReader(body))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestServer_SSESession(t *testing.T) {
	t.Run("Should route messages to the session and answer on its stream", func(t *testing.T) {
		s := newTestServer(t, nil)
		ts := httptest.NewServer(s.Router)
		t.Cleanup(ts.Close)

		client := openSSE(t, ts.URL)
		require.True(t, strings.HasPrefix(client.endpoint, "/messages?sessionId="))
		assert.Equal(t, 1, s.Sessions().Len())

		require.Equal(t, http.StatusAccepted, client.post(initializeMessage))
		event, data := client.next()
		assert.Equal(t, "message", event)
		assert.Contains(t, data, `"knowledge-base-mcp"`)

		require.Equal(t, http.StatusAccepted,
			client.post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		require.Equal(t, http.StatusAccepted, client.post(
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get-knowledge-docs","arguments":{"query":"refunds","datasetIds":["ds-1"]}}}`))
		_, data = client.next()
		assert.Contains(t, data, "Refunds take five days.")
	})

	t.Run("Should remove the binding when the stream closes", func(t *testing.T) {
		s := newTestServer(t, nil)
		ts := httptest.NewServer(s.Router)
		t.Cleanup(ts.Close)

		client := openSSE(t, ts.URL)
		require.Equal(t, 1, s.Sessions().Len())
		client.resp.Body.Close()

		require.Eventually(t, func() bool { return s.Sessions().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
		w := serve(t, s, http.MethodPost, client.endpoint, strings.NewReader(initializeMessage))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Should reject sessions beyond the limit", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.MaxSessions = 1 })
		ts := httptest.NewServer(s.Router)
		t.Cleanup(ts.Close)

		openSSE(t, ts.URL)
		second := openSSE(t, ts.URL)
		assert.Equal(t, http.StatusServiceUnavailable, second.resp.StatusCode)
		body, err := io.ReadAll(second.resp.Body)
		require.NoError(t, err)
		assert.Equal(t, core.CodeTooManySessions, decodeError(t, body).Code)
		assert.Equal(t, 1, s.Sessions().Len())
	})

	t.Run("Should close sessions after their timeout", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.SessionTimeout = 50 * time.Millisecond })
		ts := httptest.NewServer(s.Router)
		t.Cleanup(ts.Close)

		client := openSSE(t, ts.URL)
		_, err := io.ReadAll(client.reader)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return s.Sessions().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Should send keep-alive comments", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.KeepAlive = 20 * time.Millisecond })
		ts := httptest.NewServer(s.Router)
		t.Cleanup(ts.Close)

		client := openSSE(t, ts.URL)
		line, err := client.reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, ": ping\n", line)
	})
}

func TestServer_StreamableHTTP(t *testing.T) {
	t.Run("Should serve each request with an independent stateless server", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.Transport = TransportHTTP })
		ts := httptest.NewServer(s.Router)
		t.Cleanup(ts.Close)

		post := func(body string) string {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json, text/event-stream")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			out, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			return string(out)
		}

		assert.Contains(t, post(initializeMessage), `"knowledge-base-mcp"`)
		listed := post(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		assert.Contains(t, listed, "resolve-knowledge-ids")
		assert.Contains(t, listed, "get-knowledge-docs")
		assert.Zero(t, s.Sessions().Len())
	})
}

func TestListen(t *testing.T) {
	t.Run("Should move to the next port when the address is in use", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { busy.Close() })
		port := busy.Addr().(*net.TCPAddr).Port

		ln, err := listen(t.Context(), "127.0.0.1", port, 5)
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		assert.Greater(t, ln.Addr().(*net.TCPAddr).Port, port)
	})

	t.Run("Should fail once the attempt budget is exhausted", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { busy.Close() })
		port := busy.Addr().(*net.TCPAddr).Port

		_, err = listen(t.Context(), "127.0.0.1", port, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), strconv.Itoa(port))
	})
}

func TestServer_Start(t *testing.T) {
	t.Run("Should serve until the context is canceled", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.ShutdownTimeout = time.Second })
		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() { errCh <- s.Start(ctx) }()

		require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+s.Addr().String()+"/ping", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("server did not stop")
		}
	})

	t.Run("Should reject an invalid transport", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.Transport = "websocket" })
		err := s.Run(t.Context(), StdioStreams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid transport")
	})
}
