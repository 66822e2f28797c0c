package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
)

// Manager holds the active configuration and reloads it when a watched source changes.
type Manager struct {
	service     Service
	current     atomic.Pointer[Config]
	sources     []Source
	callbacks   []func(*Config)
	callbackMu  sync.RWMutex
	reloadMu    sync.Mutex
	watchCancel context.CancelFunc
	closeOnce   sync.Once
	debounce    time.Duration
}

func NewManager(service Service) *Manager {
	if service == nil {
		service = NewService()
	}
	return &Manager{
		service:  service,
		debounce: 100 * time.Millisecond,
	}
}

// SetDebounce must be called before Load.
func (m *Manager) SetDebounce(d time.Duration) {
	m.debounce = d
}

// Load performs the initial load and starts watching sources that support it.
func (m *Manager) Load(ctx context.Context, sources ...Source) (*Config, error) {
	m.reloadMu.Lock()
	m.sources = append([]Source(nil), sources...)
	m.reloadMu.Unlock()

	config, err := m.service.Load(ctx, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	m.apply(config)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.watchCancel = cancel
	m.startWatching(watchCtx, sources)
	return config, nil
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Reload re-reads every source. The active configuration is kept on failure.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	config, err := m.service.Load(ctx, m.sources...)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	m.apply(config)
	return nil
}

// OnChange registers a callback invoked after a reload produced a different configuration.
func (m *Manager) OnChange(callback func(*Config)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.watchCancel != nil {
			m.watchCancel()
		}
		m.reloadMu.Lock()
		sources := append([]Source(nil), m.sources...)
		m.reloadMu.Unlock()
		for _, source := range sources {
			if source == nil {
				continue
			}
			if err := source.Close(); err != nil {
				logger.FromContext(ctx).Error("failed to close configuration source", "error", err)
			}
		}
	})
	return nil
}

func (m *Manager) startWatching(ctx context.Context, sources []Source) {
	log := logger.FromContext(ctx)
	for _, source := range sources {
		if source == nil {
			continue
		}
		err := source.Watch(ctx, func() {
			if m.debounce > 0 {
				time.Sleep(m.debounce)
			}
			if err := m.Reload(ctx); err != nil {
				log.Error("failed to reload configuration", "error", err)
				return
			}
			log.Info("configuration reloaded", "source", source.Type())
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrWatchUnsupported):
		default:
			log.Warn("configuration source cannot be watched", "source", source.Type(), "error", err)
		}
	}
}

func (m *Manager) apply(config *Config) {
	old := m.current.Swap(config)
	if old == nil || reflect.DeepEqual(old, config) {
		return
	}
	m.callbackMu.RLock()
	callbacks := make([]func(*Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbackMu.RUnlock()
	for _, callback := range callbacks {
		if callback != nil {
			callback(config)
		}
	}
}
