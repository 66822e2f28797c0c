package monitoring

import (
	"context"
	"fmt"
	"net/http"

	"github.com/evanfang0054/knowledge-base-mcp/engine/infra/monitoring/middleware"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "knowledge-base-mcp"

// Service serves the process metrics. A disabled Service hands out a no-op
// meter and has no registry, so instruments can be created unconditionally.
type Service struct {
	path     string
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
	err      error
}

func noopService(path string, err error) *Service {
	return &Service{
		path:  path,
		meter: noop.NewMeterProvider().Meter(meterName),
		err:   err,
	}
}

// New validates cfg and, when metrics are enabled, wires an OTel meter
// provider to a private Prometheus registry. A nil cfg means DefaultConfig.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	if !cfg.Enabled {
		log.Debug("Metrics disabled")
		return noopService(cfg.Path, nil), nil
	}
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	s := &Service{
		path:     cfg.Path,
		meter:    provider.Meter(meterName),
		provider: provider,
		registry: registry,
	}
	InitSystemMetrics(ctx, s.meter)
	log.Info("Metrics enabled", "path", cfg.Path)
	return s, nil
}

// NewOrNoop is New for startup paths: a failure is logged and kept in Err
// and the returned Service is disabled.
func NewOrNoop(ctx context.Context, cfg *Config) *Service {
	s, err := New(ctx, cfg)
	if err == nil {
		return s
	}
	logger.FromContext(ctx).Error("Metrics unavailable", "error", err)
	path := DefaultConfig().Path
	if cfg != nil {
		path = cfg.Path
	}
	return noopService(path, err)
}

func (s *Service) Enabled() bool {
	return s.registry != nil
}

// Err is the construction error a NewOrNoop service fell back from.
func (s *Service) Err() error {
	return s.err
}

func (s *Service) Meter() metric.Meter {
	return s.meter
}

func (s *Service) Path() string {
	return s.path
}

// Middleware records HTTP request metrics, or passes through when disabled.
func (s *Service) Middleware() gin.HandlerFunc {
	if !s.Enabled() {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.HTTPMetrics(s.meter)
}

// Handler renders the registry in the Prometheus text format.
func (s *Service) Handler() http.Handler {
	if !s.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Install makes the provider the otel global so lazily created meters
// elsewhere in the process report through it.
func (s *Service) Install() {
	if s.provider != nil {
		otel.SetMeterProvider(s.provider)
	}
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}
