package mcpserver

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServeStdio(t *testing.T) {
	t.Run("Should answer requests over the given streams", func(t *testing.T) {
		s := newTestServer(t, func(cfg *Config) { cfg.Transport = TransportStdio })
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		t.Cleanup(func() {
			inW.Close()
			outR.Close()
		})
		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() { errCh <- s.Run(ctx, StdioStreams{In: inR, Out: outW}) }()

		lines := bufio.NewReader(outR)
		_, err := io.WriteString(inW, initializeMessage+"\n")
		require.NoError(t, err)
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		assert.Contains(t, line, `"knowledge-base-mcp"`)

		_, err = io.WriteString(inW, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"resolve-knowledge-ids","arguments":{}}}`+"\n")
		require.NoError(t, err)
		line, err = lines.ReadString('\n')
		require.NoError(t, err)
		assert.Contains(t, line, "ds-1")

		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("stdio transport did not stop")
		}
	})
}
