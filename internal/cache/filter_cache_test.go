package cache

import (
	"testing"

	"ocbot/internal/database"
)

func filter(venue, symbol string, tick float64) database.SymbolFilter {
	return database.SymbolFilter{
		Venue:       venue,
		Symbol:      symbol,
		TickSize:    tick,
		StepSize:    0.001,
		MinNotional: 5,
	}
}

func TestFilterCacheGetUpsert(t *testing.T) {
	fc := NewFilterCache()

	if _, ok := fc.Get("binance", "BTCUSDT"); ok {
		t.Fatalf("empty cache reported a hit")
	}

	fc.BulkUpsert([]database.SymbolFilter{
		filter("binance", "BTCUSDT", 0.1),
		filter("bybit", "BTCUSDT", 0.5),
	})

	f, ok := fc.Get("binance", "BTCUSDT")
	if !ok || f.TickSize != 0.1 {
		t.Errorf("Get(binance) = (%+v, %v), want tick 0.1", f, ok)
	}
	f, ok = fc.Get("bybit", "BTCUSDT")
	if !ok || f.TickSize != 0.5 {
		t.Errorf("Get(bybit) = (%+v, %v), want tick 0.5", f, ok)
	}

	// Upsert replaces in place.
	fc.BulkUpsert([]database.SymbolFilter{filter("binance", "BTCUSDT", 0.2)})
	if f, _ := fc.Get("binance", "BTCUSDT"); f.TickSize != 0.2 {
		t.Errorf("TickSize after upsert = %f, want 0.2", f.TickSize)
	}
	if fc.Len() != 2 {
		t.Errorf("Len = %d, want 2", fc.Len())
	}
}

// TestFilterCacheReplaceSnapshot verifies a venue snapshot drops delisted
// symbols without touching other venues.
func TestFilterCacheReplaceSnapshot(t *testing.T) {
	fc := NewFilterCache()
	fc.BulkUpsert([]database.SymbolFilter{
		filter("binance", "BTCUSDT", 0.1),
		filter("binance", "DELISTEDUSDT", 0.1),
		filter("bybit", "BTCUSDT", 0.5),
	})

	fc.ReplaceSnapshot("binance", []database.SymbolFilter{
		filter("binance", "BTCUSDT", 0.1),
		filter("binance", "ETHUSDT", 0.01),
	})

	if _, ok := fc.Get("binance", "DELISTEDUSDT"); ok {
		t.Errorf("delisted symbol survived the snapshot replace")
	}
	if _, ok := fc.Get("binance", "ETHUSDT"); !ok {
		t.Errorf("new symbol missing after snapshot replace")
	}
	if _, ok := fc.Get("bybit", "BTCUSDT"); !ok {
		t.Errorf("other venue touched by snapshot replace")
	}
	if fc.Len() != 3 {
		t.Errorf("Len = %d, want 3", fc.Len())
	}
}
