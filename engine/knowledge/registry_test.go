package knowledge

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *atomic.Int32) {
	t.Helper()
	var built atomic.Int32
	upstream := &fakeUpstream{records: map[string][]dify.Record{"a": {record("a1", 0.9)}}}
	registry := NewRegistry(nil, WithUpstreamFactory(func(dify.Config) (Upstream, error) {
		built.Add(1)
		return upstream, nil
	}))
	t.Cleanup(registry.Close)
	return registry, &built
}

func TestRegistry(t *testing.T) {
	t.Run("Should fail before configuration", func(t *testing.T) {
		registry, _ := newTestRegistry(t)
		_, err := registry.Repository()
		assert.ErrorIs(t, err, core.ErrNotInitialized)
	})

	t.Run("Should keep repository and cache when config is unchanged", func(t *testing.T) {
		registry, built := newTestRegistry(t)
		cfg := dify.Config{BaseURL: "https://api.dify.ai/v1", APIKey: "k1"}
		require.NoError(t, registry.Configure(t.Context(), cfg))
		first, err := registry.Repository()
		require.NoError(t, err)
		cached, err := first.RetrieveDocuments(t.Context(), "q", DefaultRetrieveOptions("a"))
		require.NoError(t, err)

		cfg.Timeout = 5
		require.NoError(t, registry.Configure(t.Context(), cfg))
		second, err := registry.Repository()
		require.NoError(t, err)
		again, err := second.RetrieveDocuments(t.Context(), "q", DefaultRetrieveOptions("a"))
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Same(t, cached, again)
		assert.Equal(t, int32(1), built.Load())
	})

	t.Run("Should rebuild and invalidate cache when credential changes", func(t *testing.T) {
		registry, built := newTestRegistry(t)
		require.NoError(t, registry.Configure(t.Context(), dify.Config{BaseURL: "https://api.dify.ai/v1", APIKey: "k1"}))
		first, _ := registry.Repository()
		cached, err := first.RetrieveDocuments(t.Context(), "q", DefaultRetrieveOptions("a"))
		require.NoError(t, err)

		require.NoError(t, registry.Configure(t.Context(), dify.Config{BaseURL: "https://api.dify.ai/v1", APIKey: "k2"}))
		second, _ := registry.Repository()
		fresh, err := second.RetrieveDocuments(t.Context(), "q", DefaultRetrieveOptions("a"))
		require.NoError(t, err)

		assert.NotSame(t, first, second)
		assert.NotSame(t, cached, fresh)
		assert.Equal(t, int32(2), built.Load())
	})

	t.Run("Should rebuild when base URL changes", func(t *testing.T) {
		registry, built := newTestRegistry(t)
		require.NoError(t, registry.Configure(t.Context(), dify.Config{BaseURL: "https://a.example/v1", APIKey: "k"}))
		require.NoError(t, registry.Configure(t.Context(), dify.Config{BaseURL: "https://b.example/v1", APIKey: "k"}))
		assert.Equal(t, int32(2), built.Load())
	})

	t.Run("Should surface factory errors and keep the previous repository", func(t *testing.T) {
		registry := NewRegistry(nil, WithUpstreamFactory(func(cfg dify.Config) (Upstream, error) {
			if cfg.APIKey == "bad" {
				return nil, errors.New("invalid base URL")
			}
			return &fakeUpstream{}, nil
		}))
		t.Cleanup(registry.Close)
		require.NoError(t, registry.Configure(t.Context(), dify.Config{BaseURL: "https://a.example", APIKey: "good"}))
		before, _ := registry.Repository()

		err := registry.Configure(t.Context(), dify.Config{BaseURL: "https://a.example", APIKey: "bad"})
		assert.ErrorIs(t, err, core.ErrInvalidArgument)
		after, err := registry.Repository()
		require.NoError(t, err)
		assert.Same(t, before, after)
	})

	t.Run("Should be safe under concurrent configure and lookup", func(t *testing.T) {
		registry, built := newTestRegistry(t)
		cfg := dify.Config{BaseURL: "https://api.dify.ai/v1", APIKey: "shared"}
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, registry.Configure(t.Context(), cfg))
				_, err := registry.Repository()
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), built.Load())
	})

	t.Run("Should build real clients by default", func(t *testing.T) {
		registry := NewRegistry(nil)
		t.Cleanup(registry.Close)
		assert.Error(t, registry.Configure(t.Context(), dify.Config{BaseURL: "not a url"}))
		require.NoError(t, registry.Configure(t.Context(), dify.Config{BaseURL: "https://api.dify.ai/v1"}))
	})
}
