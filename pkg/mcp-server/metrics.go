package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	sessionsActive       metric.Int64UpDownCounter
	sessionDuration      metric.Float64Histogram
	sessionRejectCounter metric.Int64Counter
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("knowledge-base-mcp.transport")
		sessionsActive, _ = meter.Int64UpDownCounter(
			"mcp_sse_sessions_active",
			metric.WithDescription("Currently open SSE sessions"),
		)
		sessionDuration, _ = meter.Float64Histogram(
			"mcp_sse_session_duration_seconds",
			metric.WithDescription("Lifetime of closed SSE sessions"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(metrics.SessionDurationBuckets...),
		)
		sessionRejectCounter, _ = meter.Int64Counter(
			"mcp_session_rejections_total",
			metric.WithDescription("Rejected session opens and messages by error code"),
		)
	})
}

func recordSessionOpened(ctx context.Context) {
	ensureMetrics()
	if sessionsActive != nil {
		sessionsActive.Add(ctx, 1)
	}
}

func recordSessionClosed(ctx context.Context, lifetime time.Duration) {
	ensureMetrics()
	if sessionsActive != nil {
		sessionsActive.Add(ctx, -1)
	}
	if sessionDuration != nil {
		sessionDuration.Record(ctx, lifetime.Seconds())
	}
}

func recordRejection(ctx context.Context, code string) {
	ensureMetrics()
	if sessionRejectCounter != nil {
		sessionRejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}
}
