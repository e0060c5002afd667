package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/database"
	"ocbot/internal/exchange"
)

type filterStore interface {
	GetSymbolFilters(ctx context.Context, venue string) ([]database.SymbolFilter, error)
	UpsertSymbolFilters(ctx context.Context, filters []database.SymbolFilter) error
	DeleteSymbolFiltersNotIn(ctx context.Context, venue string, symbols []string) (int64, error)
}

// FilterRefresher keeps the symbol-filter cache and store in sync with venue
// exchange info. At startup it seeds the cache from the store so the engine
// is usable before the first remote fetch completes. A watchdog releases the
// is-refreshing guard if a refresh stalls.
type FilterRefresher struct {
	store   filterStore
	clients []exchange.RestClient
	cache   *FilterCache
	cfg     config.CacheConfig
	log     zerolog.Logger

	refreshing     atomic.Bool
	refreshStarted atomic.Int64
	lastRefresh    atomic.Int64
	refreshErrs    atomic.Int64
}

// NewFilterRefresher creates the refresh job over the given venue clients.
func NewFilterRefresher(store filterStore, clients []exchange.RestClient, cache *FilterCache, cfg config.CacheConfig, log zerolog.Logger) *FilterRefresher {
	return &FilterRefresher{
		store:   store,
		clients: clients,
		cache:   cache,
		cfg:     cfg,
		log:     log.With().Str("component", "filter_refresh").Logger(),
	}
}

// Seed loads filters from the store into the cache.
func (fr *FilterRefresher) Seed(ctx context.Context) error {
	for _, client := range fr.clients {
		venue := client.Venue()
		filters, err := fr.store.GetSymbolFilters(ctx, venue)
		if err != nil {
			return fmt.Errorf("failed to seed filters for %s: %w", venue, err)
		}
		fr.cache.ReplaceSnapshot(venue, filters)
		fr.log.Info().Str("venue", venue).Int("filters", len(filters)).Msg("filter cache seeded")
	}
	return nil
}

// RefreshVenue fetches exchange info for one venue, upserts the store,
// deletes delisted symbols and swaps the cache snapshot.
func (fr *FilterRefresher) RefreshVenue(ctx context.Context, client exchange.RestClient) error {
	venue := client.Venue()
	infos, err := client.GetSymbolInfos(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch exchange info for %s: %w", venue, err)
	}
	if len(infos) == 0 {
		// An empty exchange-info response would wipe every filter; treat as
		// an upstream fault and keep the current snapshot.
		return fmt.Errorf("empty exchange info for %s", venue)
	}

	filters := make([]database.SymbolFilter, 0, len(infos))
	symbols := make([]string, 0, len(infos))
	for _, info := range infos {
		filters = append(filters, database.SymbolFilter{
			Venue:       venue,
			Symbol:      info.Symbol,
			TickSize:    info.TickSize,
			StepSize:    info.StepSize,
			MinNotional: info.MinNotional,
			MaxLeverage: info.MaxLeverage,
		})
		symbols = append(symbols, info.Symbol)
	}

	if err := fr.store.UpsertSymbolFilters(ctx, filters); err != nil {
		return err
	}
	deleted, err := fr.store.DeleteSymbolFiltersNotIn(ctx, venue, symbols)
	if err != nil {
		return err
	}

	fr.cache.ReplaceSnapshot(venue, filters)
	fr.log.Info().
		Str("venue", venue).
		Int("filters", len(filters)).
		Int64("delisted", deleted).
		Msg("symbol filters refreshed")
	return nil
}

// Run refreshes all venues periodically until ctx is cancelled. The first
// refresh runs immediately after start.
func (fr *FilterRefresher) Run(ctx context.Context) {
	fr.refreshAll(ctx)

	interval := time.Duration(fr.cfg.FilterRefreshMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fr.refreshAll(ctx)
		}
	}
}

func (fr *FilterRefresher) refreshAll(ctx context.Context) {
	if !fr.acquireGuard() {
		fr.log.Debug().Msg("filter refresh already running, skipping")
		return
	}
	defer fr.refreshing.Store(false)

	for _, client := range fr.clients {
		if err := fr.RefreshVenue(ctx, client); err != nil {
			fr.refreshErrs.Add(1)
			fr.log.Error().Err(err).Str("venue", client.Venue()).Msg("filter refresh failed")
		}
	}
	fr.lastRefresh.Store(time.Now().UnixMilli())
}

// acquireGuard takes the is-refreshing flag. A stalled refresh older than the
// watchdog timeout is forcibly released.
func (fr *FilterRefresher) acquireGuard() bool {
	now := time.Now().UnixMilli()
	if fr.refreshing.CompareAndSwap(false, true) {
		fr.refreshStarted.Store(now)
		return true
	}
	watchdog := time.Duration(fr.cfg.WatchdogTimeoutMin) * time.Minute
	started := fr.refreshStarted.Load()
	if now-started > watchdog.Milliseconds() {
		fr.log.Warn().
			Int64("stalled_ms", now-started).
			Msg("filter refresh guard stalled, watchdog releasing")
		fr.refreshStarted.Store(now)
		return true
	}
	return false
}

// GetStats reports refresh-job counters for the status server.
func (fr *FilterRefresher) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"refreshing":      fr.refreshing.Load(),
		"last_refresh_ms": fr.lastRefresh.Load(),
		"refresh_errors":  fr.refreshErrs.Load(),
	}
}
