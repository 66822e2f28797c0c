package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/sethvargo/go-retry"
)

const portRetryDelay = 50 * time.Millisecond

// listen binds host:port. While the address is in use it moves to the next
// port, up to attempts binds in total. Port 0 lets the kernel choose.
func listen(ctx context.Context, host string, port, attempts int) (net.Listener, error) {
	log := logger.FromContext(ctx)
	if attempts < 1 {
		attempts = 1
	}
	current := port
	var ln net.Listener
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(portRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(current)))
		if err == nil {
			ln = l
			return nil
		}
		if port != 0 && errors.Is(err, syscall.EADDRINUSE) {
			log.Warn("Port in use, trying next port", "port", current, "next", current+1)
			current++
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s starting at port %d after %d attempt(s): %w",
			host, port, attempts, err)
	}
	if current != port {
		log.Info("Bound fallback port", "requested", port, "bound", current)
	}
	return ln, nil
}
