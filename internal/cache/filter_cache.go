package cache

import (
	"sync"

	"ocbot/internal/database"
)

// FilterCache is the in-memory view of venue precision constraints. A missing
// entry means the symbol is not tradable and the order must be rejected.
type FilterCache struct {
	mu      sync.RWMutex
	filters map[string]database.SymbolFilter // "venue:symbol"
}

// NewFilterCache creates an empty filter cache.
func NewFilterCache() *FilterCache {
	return &FilterCache{filters: make(map[string]database.SymbolFilter)}
}

func filterKey(venue, symbol string) string {
	return venue + ":" + symbol
}

// Get returns the filter for (venue, symbol).
func (fc *FilterCache) Get(venue, symbol string) (database.SymbolFilter, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	f, ok := fc.filters[filterKey(venue, symbol)]
	return f, ok
}

// BulkUpsert merges filters into the cache.
func (fc *FilterCache) BulkUpsert(filters []database.SymbolFilter) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, f := range filters {
		fc.filters[filterKey(f.Venue, f.Symbol)] = f
	}
}

// ReplaceSnapshot swaps in a full snapshot for one venue, dropping symbols no
// longer present.
func (fc *FilterCache) ReplaceSnapshot(venue string, filters []database.SymbolFilter) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for key, f := range fc.filters {
		if f.Venue == venue {
			delete(fc.filters, key)
		}
	}
	for _, f := range filters {
		fc.filters[filterKey(f.Venue, f.Symbol)] = f
	}
}

// Len returns the number of cached filters.
func (fc *FilterCache) Len() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.filters)
}

// GetStats returns per-venue filter counts for the status endpoint.
func (fc *FilterCache) GetStats() map[string]interface{} {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	perVenue := make(map[string]int)
	for _, f := range fc.filters {
		perVenue[f.Venue]++
	}
	return map[string]interface{}{
		"total":     len(fc.filters),
		"per_venue": perVenue,
	}
}
