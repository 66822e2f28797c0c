package middleware

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/infra/monitoring/metrics"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Channel kinds used as the "channel" attribute.
const (
	ChannelSingleShot = "single_shot"
	ChannelStreamed   = "streamed"
	ChannelControl    = "control"
)

type httpInstruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newHTTPInstruments(meter metric.Meter) (*httpInstruments, error) {
	requests, err := meter.Int64Counter(
		"mcp_http_requests_total",
		metric.WithDescription("HTTP requests by route and status"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"mcp_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency; streamed channels report their full lifetime"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.HTTPDurationBuckets...),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"mcp_http_requests_in_flight",
		metric.WithDescription("HTTP requests currently being served"),
	)
	if err != nil {
		return nil, err
	}
	return &httpInstruments{requests: requests, duration: duration, inFlight: inFlight}, nil
}

// HTTPMetrics returns a Gin middleware that records request count, latency
// and in-flight requests. An open SSE stream stays in flight until it closes.
func HTTPMetrics(meter metric.Meter) gin.HandlerFunc {
	if meter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	inst, err := newHTTPInstruments(meter)
	if err != nil {
		logger.Error("Failed to create HTTP metric instruments", "error", err)
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		route := routeOf(c)
		channel := attribute.String("channel", ChannelOf(route))
		inst.inFlight.Add(ctx, 1, metric.WithAttributes(channel))
		defer inst.inFlight.Add(context.WithoutCancel(ctx), -1, metric.WithAttributes(channel))

		c.Next()

		inst.record(context.WithoutCancel(ctx), c, route, channel, time.Since(start))
	}
}

func (i *httpInstruments) record(
	ctx context.Context,
	c *gin.Context,
	route string,
	channel attribute.KeyValue,
	elapsed time.Duration,
) {
	attrs := metric.WithAttributes(
		attribute.String("method", c.Request.Method),
		attribute.String("path", route),
		attribute.String("status_code", strconv.Itoa(c.Writer.Status())),
		channel,
	)
	i.requests.Add(ctx, 1, attrs)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// routeOf keeps label cardinality bounded: unmatched paths share one series.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// ChannelOf classifies a route as a single-shot channel, part of a streamed
// channel, or a control endpoint.
func ChannelOf(route string) string {
	switch {
	case route == "/mcp":
		return ChannelSingleShot
	case route == "/sse", strings.HasPrefix(route, "/messages"):
		return ChannelStreamed
	default:
		return ChannelControl
	}
}
