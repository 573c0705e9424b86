package main

import (
	"sync"
	"time"
)

// CatalogCache provides thread-safe caching for the OpenRouter model catalog
type CatalogCache struct {
	mu          sync.RWMutex
	models      []CatalogModel
	lastUpdated time.Time
	ttl         time.Duration
}

// NewCatalogCache creates a new catalog cache with the specified TTL
func NewCatalogCache(ttl time.Duration) *CatalogCache {
	return &CatalogCache{
		ttl: ttl,
	}
}

// Get retrieves the catalog from cache if not expired
// Returns the models and a boolean indicating if the cache hit was successful
func (c *CatalogCache) Get() ([]CatalogModel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Check if cache is empty
	if len(c.models) == 0 {
		return nil, false
	}

	// Check if cache has expired
	if time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}

	// Return cached models (make a copy to prevent external modifications)
	modelsCopy := make([]CatalogModel, len(c.models))
	copy(modelsCopy, c.models)

	return modelsCopy, true
}

// Set updates the cache with new catalog data
func (c *CatalogCache) Set(models []CatalogModel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store models (make a copy to prevent external modifications)
	c.models = make([]CatalogModel, len(models))
	copy(c.models, models)
	c.lastUpdated = time.Now()
}

// Clear removes all models from the cache
func (c *CatalogCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = nil
	c.lastUpdated = time.Time{}
}

// GetLastUpdated returns when the cache was last updated
func (c *CatalogCache) GetLastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdated
}

// IsExpired checks if the cache has expired
func (c *CatalogCache) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.models) == 0 {
		return true
	}

	return time.Since(c.lastUpdated) > c.ttl
}

// GetSize returns the number of models in the cache
func (c *CatalogCache) GetSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.models)
}
