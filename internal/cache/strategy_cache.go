package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/database"
	"ocbot/internal/detector"
)

type strategySource interface {
	ListActiveStrategies(ctx context.Context) ([]database.Strategy, error)
}

// StrategyCache indexes active strategies by (venue, symbol) for the hot
// path. Refresh swaps in a complete new index; readers never see a partial
// view. A watchdog releases the is-refreshing guard if a refresh stalls.
type StrategyCache struct {
	store strategySource
	cfg   config.CacheConfig
	log   zerolog.Logger

	mu    sync.RWMutex
	index map[string][]database.Strategy // "venue:symbol"

	refreshing     atomic.Bool
	refreshStarted atomic.Int64
	lastRefresh    atomic.Int64
	refreshErrs    atomic.Int64

	forceCh chan struct{}
}

// NewStrategyCache creates the cache; call Refresh once before serving reads.
func NewStrategyCache(store strategySource, cfg config.CacheConfig, log zerolog.Logger) *StrategyCache {
	return &StrategyCache{
		store:   store,
		cfg:     cfg,
		log:     log.With().Str("component", "strategy_cache").Logger(),
		index:   make(map[string][]database.Strategy),
		forceCh: make(chan struct{}, 1),
	}
}

// GetStrategies returns the active strategies for (venue, symbol). The symbol
// must already be normalized; the indexer normalizes on its side so both ends
// agree on keys.
func (sc *StrategyCache) GetStrategies(venue, symbol string) []database.Strategy {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.index[venue+":"+symbol]
}

// Refresh rebuilds the index from the store.
func (sc *StrategyCache) Refresh(ctx context.Context) error {
	if !sc.acquireGuard() {
		sc.log.Debug().Msg("refresh already running, skipping")
		return nil
	}
	defer sc.refreshing.Store(false)

	strategies, err := sc.store.ListActiveStrategies(ctx)
	if err != nil {
		sc.refreshErrs.Add(1)
		return fmt.Errorf("failed to list strategies: %w", err)
	}

	index := make(map[string][]database.Strategy, len(strategies))
	for _, s := range strategies {
		key := s.Venue + ":" + detector.NormalizeSymbol(s.Symbol)
		index[key] = append(index[key], s)
	}

	sc.mu.Lock()
	sc.index = index
	sc.mu.Unlock()

	sc.lastRefresh.Store(time.Now().UnixMilli())
	sc.log.Debug().
		Int("strategies", len(strategies)).
		Int("symbols", len(index)).
		Msg("strategy cache refreshed")
	return nil
}

// acquireGuard takes the is-refreshing flag. A stalled refresh older than the
// watchdog timeout is forcibly released so the cache cannot wedge forever.
func (sc *StrategyCache) acquireGuard() bool {
	now := time.Now().UnixMilli()
	if sc.refreshing.CompareAndSwap(false, true) {
		sc.refreshStarted.Store(now)
		return true
	}
	watchdog := time.Duration(sc.cfg.WatchdogTimeoutMin) * time.Minute
	started := sc.refreshStarted.Load()
	if now-started > watchdog.Milliseconds() {
		sc.log.Warn().
			Int64("stalled_ms", now-started).
			Msg("refresh guard stalled, watchdog releasing")
		sc.refreshStarted.Store(now)
		return true
	}
	return false
}

// ForceRefresh requests an immediate refresh from the Run loop.
func (sc *StrategyCache) ForceRefresh() {
	select {
	case sc.forceCh <- struct{}{}:
	default:
	}
}

// Run refreshes the cache periodically until ctx is cancelled.
func (sc *StrategyCache) Run(ctx context.Context) {
	interval := time.Duration(sc.cfg.StrategyRefreshSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-sc.forceCh:
		}
		if err := sc.Refresh(ctx); err != nil {
			sc.log.Error().Err(err).Msg("strategy refresh failed")
		}
	}
}

// Symbols returns the distinct normalized symbols per venue, used to build
// the WebSocket subscription sets.
func (sc *StrategyCache) Symbols(venue string) []string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	seen := make(map[string]struct{})
	var symbols []string
	for key, strategies := range sc.index {
		if len(strategies) == 0 {
			continue
		}
		v := strategies[0].Venue
		if v != venue {
			continue
		}
		symbol := key[len(v)+1:]
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

// Intervals returns the distinct intervals configured for a venue.
func (sc *StrategyCache) Intervals(venue string) []string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	seen := make(map[string]struct{})
	var intervals []string
	for _, strategies := range sc.index {
		for _, s := range strategies {
			if s.Venue != venue {
				continue
			}
			if _, ok := seen[s.Interval]; !ok {
				seen[s.Interval] = struct{}{}
				intervals = append(intervals, s.Interval)
			}
		}
	}
	return intervals
}

// GetStats returns cache state for the status endpoint.
func (sc *StrategyCache) GetStats() map[string]interface{} {
	sc.mu.RLock()
	symbols := len(sc.index)
	total := 0
	for _, s := range sc.index {
		total += len(s)
	}
	sc.mu.RUnlock()
	return map[string]interface{}{
		"symbols":         symbols,
		"strategies":      total,
		"refreshing":      sc.refreshing.Load(),
		"last_refresh_ms": sc.lastRefresh.Load(),
		"refresh_errors":  sc.refreshErrs.Load(),
	}
}
