package cache

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/database"
)

type fakeStrategyStore struct {
	strategies []database.Strategy
	err        error
	calls      int
}

func (f *fakeStrategyStore) ListActiveStrategies(_ context.Context) ([]database.Strategy, error) {
	f.calls++
	return f.strategies, f.err
}

func strategyFor(venue, symbol, interval string) database.Strategy {
	return database.Strategy{
		BotID:       1,
		Venue:       venue,
		Symbol:      symbol,
		Interval:    interval,
		OCThreshold: 5,
		TradeType:   database.TradeTypeBoth,
		IsActive:    true,
	}
}

func TestStrategyCacheRefreshAndLookup(t *testing.T) {
	store := &fakeStrategyStore{strategies: []database.Strategy{
		strategyFor("binance", "btc/usdt", "1m"),
		strategyFor("binance", "BTCUSDT", "5m"),
		strategyFor("bybit", "eth_usdt", "1m"),
	}}
	sc := NewStrategyCache(store, config.CacheConfig{StrategyRefreshSec: 60, WatchdogTimeoutMin: 5}, zerolog.Nop())

	if err := sc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Denormalized store symbols land under the normalized key.
	got := sc.GetStrategies("binance", "BTCUSDT")
	if len(got) != 2 {
		t.Errorf("GetStrategies(binance, BTCUSDT) = %d strategies, want 2", len(got))
	}
	if got := sc.GetStrategies("bybit", "ETHUSDT"); len(got) != 1 {
		t.Errorf("GetStrategies(bybit, ETHUSDT) = %d strategies, want 1", len(got))
	}
	if got := sc.GetStrategies("binance", "ETHUSDT"); len(got) != 0 {
		t.Errorf("GetStrategies for unindexed symbol = %d, want 0", len(got))
	}
}

func TestStrategyCacheRefreshError(t *testing.T) {
	store := &fakeStrategyStore{strategies: []database.Strategy{
		strategyFor("binance", "BTCUSDT", "1m"),
	}}
	sc := NewStrategyCache(store, config.CacheConfig{StrategyRefreshSec: 60, WatchdogTimeoutMin: 5}, zerolog.Nop())
	if err := sc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// A failing refresh keeps the previous index.
	store.err = errors.New("connection refused")
	if err := sc.Refresh(context.Background()); err == nil {
		t.Errorf("Refresh with failing store returned nil error")
	}
	if got := sc.GetStrategies("binance", "BTCUSDT"); len(got) != 1 {
		t.Errorf("index lost after failed refresh")
	}
}

func TestStrategyCacheSymbolsIntervals(t *testing.T) {
	store := &fakeStrategyStore{strategies: []database.Strategy{
		strategyFor("binance", "BTCUSDT", "1m"),
		strategyFor("binance", "BTCUSDT", "5m"),
		strategyFor("binance", "ETHUSDT", "1m"),
		strategyFor("bybit", "SOLUSDT", "15m"),
	}}
	sc := NewStrategyCache(store, config.CacheConfig{StrategyRefreshSec: 60, WatchdogTimeoutMin: 5}, zerolog.Nop())
	if err := sc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	symbols := sc.Symbols("binance")
	sort.Strings(symbols)
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Errorf("Symbols(binance) = %v, want [BTCUSDT ETHUSDT]", symbols)
	}

	intervals := sc.Intervals("binance")
	sort.Strings(intervals)
	if len(intervals) != 2 || intervals[0] != "1m" || intervals[1] != "5m" {
		t.Errorf("Intervals(binance) = %v, want [1m 5m]", intervals)
	}

	if symbols := sc.Symbols("bybit"); len(symbols) != 1 || symbols[0] != "SOLUSDT" {
		t.Errorf("Symbols(bybit) = %v, want [SOLUSDT]", symbols)
	}
	if symbols := sc.Symbols("unknown"); len(symbols) != 0 {
		t.Errorf("Symbols(unknown) = %v, want empty", symbols)
	}
}
