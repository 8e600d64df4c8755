// Package cache provides caching for rendered plot images and plot-data
// projections.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	PlotCacheSizeMB     int
	PlotTTL             time.Duration
	ProjectionCacheSize int
}

// Manager manages the plot image cache and the projection cache. Both caches
// key on the session's plot revision, so stale entries are never served: a
// changed input produces a new key and the old entry ages out.
type Manager struct {
	plotCache       *bigcache.BigCache
	projectionCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	plotCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.PlotTTL,
		CleanWindow:        cfg.PlotTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // rendered PNGs
		HardMaxCacheSize:   cfg.PlotCacheSizeMB,
		Verbose:            false,
	}

	plotCache, err := bigcache.New(context.Background(), plotCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create plot cache: %w", err)
	}

	projectionCache, err := lru.New[string, []byte](cfg.ProjectionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection cache: %w", err)
	}

	return &Manager{
		plotCache:       plotCache,
		projectionCache: projectionCache,
	}, nil
}

// GetPlot retrieves a rendered plot image from cache.
func (m *Manager) GetPlot(key string) ([]byte, bool) {
	data, err := m.plotCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPlot stores a rendered plot image in cache.
func (m *Manager) SetPlot(key string, data []byte) error {
	return m.plotCache.Set(key, data)
}

// GetProjection retrieves a serialized projection from cache.
func (m *Manager) GetProjection(key string) ([]byte, bool) {
	return m.projectionCache.Get(key)
}

// SetProjection stores a serialized projection in cache.
func (m *Manager) SetProjection(key string, data []byte) {
	m.projectionCache.Add(key, data)
}

// PlotKey generates a cache key for a session's rendered plot at a revision.
func PlotKey(sessionID string, rev uint64) string {
	return fmt.Sprintf("plot:%s:%d", sessionID, rev)
}

// ProjectionKey generates a cache key for a serialized projection.
func ProjectionKey(sessionID, kind string, rev uint64) string {
	return fmt.Sprintf("proj:%s:%s:%d", sessionID, kind, rev)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"plot_cache_len":       m.plotCache.Len(),
		"plot_cache_cap":       m.plotCache.Capacity(),
		"projection_cache_len": m.projectionCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.plotCache.Close()
}
