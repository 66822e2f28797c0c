package knowledge

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	operationRetrieve = "retrieve"
	operationList     = "list_datasets"
)

var (
	metricsOnce          sync.Once
	metricsMu            sync.Mutex
	metricsInitErr       error
	cacheRequestCounter  metric.Int64Counter
	upstreamDurationHist metric.Float64Histogram
	upstreamErrorCounter metric.Int64Counter
)

func RecordCacheResult(ctx context.Context, hit bool) {
	if err := ensureMetrics(); err != nil || cacheRequestCounter == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func RecordUpstreamDuration(ctx context.Context, operation string, d time.Duration) {
	if err := ensureMetrics(); err != nil || upstreamDurationHist == nil {
		return
	}
	upstreamDurationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("operation", operation)))
}

func RecordUpstreamError(ctx context.Context, operation string, status int) {
	if err := ensureMetrics(); err != nil || upstreamErrorCounter == nil {
		return
	}
	upstreamErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", strconv.Itoa(status)),
	))
}

func ResetMetricsForTesting() {
	metricsMu.Lock()
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	cacheRequestCounter = nil
	upstreamDurationHist = nil
	upstreamErrorCounter = nil
	metricsMu.Unlock()
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("knowledge-base-mcp.knowledge")
		metricsInitErr = initMetrics(meter)
	})
	return metricsInitErr
}

func initMetrics(meter metric.Meter) error {
	var err error
	cacheRequestCounter, err = meter.Int64Counter(
		"knowledge_cache_requests_total",
		metric.WithDescription("Retrieval cache lookups by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	upstreamDurationHist, err = meter.Float64Histogram(
		"knowledge_upstream_request_duration_seconds",
		metric.WithDescription("Latency of calls to the upstream knowledge API"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.UpstreamDurationBuckets...),
	)
	if err != nil {
		return err
	}
	upstreamErrorCounter, err = meter.Int64Counter(
		"knowledge_upstream_errors_total",
		metric.WithDescription("Failed calls to the upstream knowledge API"),
		metric.WithUnit("1"),
	)
	return err
}
