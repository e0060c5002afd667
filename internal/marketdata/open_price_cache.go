package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/cache"
)

// Open-price provenance tags, ordered from most to least accurate.
const (
	SourceWSBucketOpen    = "ws_bucket_open"
	SourceWSLatestOpen    = "ws_latest_candle_open"
	SourceWSPrevClose     = "ws_prev_close"
	SourceRestOHLCV       = "rest_ohlcv"
	SourceFallbackCurrent = "fallback_current_price"
)

// OpenEntry is one resolved bucket open with provenance.
type OpenEntry struct {
	Open       float64
	Source     string
	ResolvedAt time.Time
}

// OpenPriceCache stores resolved bucket opens in a bounded LRU with periodic
// TTL sweeps. Keys are (venue, symbol, interval, bucket_start).
type OpenPriceCache struct {
	lru *cache.LRU
	cfg config.OpenPriceConfig
	log zerolog.Logger
}

// NewOpenPriceCache creates the cache per the configuration.
func NewOpenPriceCache(cfg config.OpenPriceConfig, log zerolog.Logger) *OpenPriceCache {
	ttl := time.Duration(cfg.EntryTTLMin) * time.Minute
	return &OpenPriceCache{
		lru: cache.NewLRU(cfg.CacheSize, ttl),
		cfg: cfg,
		log: log.With().Str("component", "open_price_cache").Logger(),
	}
}

func openKey(venue, symbol, interval string, bucketStart int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", venue, symbol, interval, bucketStart)
}

// Get returns the cached entry for a bucket.
func (c *OpenPriceCache) Get(venue, symbol, interval string, bucketStart int64) (OpenEntry, bool) {
	v, ok := c.lru.Get(openKey(venue, symbol, interval, bucketStart))
	if !ok {
		return OpenEntry{}, false
	}
	return v.(OpenEntry), true
}

// Set stores a resolved open for a bucket.
func (c *OpenPriceCache) Set(venue, symbol, interval string, bucketStart int64, open float64, source string) {
	c.lru.Set(openKey(venue, symbol, interval, bucketStart), OpenEntry{
		Open:       open,
		Source:     source,
		ResolvedAt: time.Now(),
	})
}

// Run sweeps expired entries until ctx is cancelled.
func (c *OpenPriceCache) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.SweepIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.lru.Sweep(); evicted > 0 {
				c.log.Debug().Int("evicted", evicted).Msg("open price cache swept")
			}
		}
	}
}

// GetStats returns cache counters for the status endpoint.
func (c *OpenPriceCache) GetStats() map[string]interface{} {
	return c.lru.GetStats()
}
