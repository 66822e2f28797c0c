package knowledge

import (
	"context"
	"sync"

	"github.com/evanfang0054/knowledge-base-mcp/engine/cache"
	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
)

// UpstreamFactory builds the upstream client for a configuration.
type UpstreamFactory func(cfg dify.Config) (Upstream, error)

func defaultUpstreamFactory(cfg dify.Config) (Upstream, error) {
	return dify.NewClient(cfg)
}

// Registry owns the single live Repository. It is constructed once at startup
// and passed to every handler.
type Registry struct {
	mu          sync.RWMutex
	repo        *Repository
	current     dify.Config
	cacheConfig *cache.Config
	factory     UpstreamFactory
}

type RegistryOption func(*Registry)

func WithUpstreamFactory(factory UpstreamFactory) RegistryOption {
	return func(r *Registry) {
		r.factory = factory
	}
}

func NewRegistry(cacheConfig *cache.Config, opts ...RegistryOption) *Registry {
	if cacheConfig == nil {
		cacheConfig = cache.DefaultConfig()
	}
	r := &Registry{
		cacheConfig: cacheConfig,
		factory:     defaultUpstreamFactory,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure builds a new Repository, dropping the old one and its cache, when
// no Repository exists yet or the credential or endpoint changed. Otherwise it
// is a no-op and the cache survives.
func (r *Registry) Configure(ctx context.Context, cfg dify.Config) error {
	r.mu.RLock()
	unchanged := r.repo != nil && sameEndpoint(r.current, cfg)
	r.mu.RUnlock()
	if unchanged {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repo != nil && sameEndpoint(r.current, cfg) {
		return nil
	}
	upstream, err := r.factory(cfg)
	if err != nil {
		return core.WrapError(core.CodeInvalidArgument, "invalid upstream configuration", err)
	}
	old := r.repo
	r.repo = NewRepository(upstream, cache.New[*Result](ctx, r.cacheConfig))
	r.current = cfg
	if old != nil {
		old.Close()
	}
	logger.FromContext(ctx).Info("Knowledge repository configured",
		"base_url", cfg.BaseURL, "has_api_key", cfg.APIKey != "", "replaced", old != nil)
	return nil
}

func sameEndpoint(a, b dify.Config) bool {
	return a.APIKey == b.APIKey && a.BaseURL == b.BaseURL
}

// Repository returns the live Repository or NOT_INITIALIZED.
func (r *Registry) Repository() (*Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.repo == nil {
		return nil, core.NewError(core.CodeNotInitialized,
			"knowledge repository is not configured", nil)
	}
	return r.repo, nil
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repo != nil {
		r.repo.Close()
		r.repo = nil
	}
}
