package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
)

func testOpenPriceConfig() config.OpenPriceConfig {
	return config.OpenPriceConfig{
		CacheSize:        100,
		EntryTTLMin:      15,
		SweepIntervalSec: 60,
		MemoTTLMs:        40,
	}
}

func newTestResolver() (*Resolver, *KlineBuffer, *OpenPriceCache) {
	kb := NewKlineBuffer()
	opens := NewOpenPriceCache(testOpenPriceConfig(), zerolog.Nop())
	r := NewResolver(kb, opens, nil, testOpenPriceConfig(), zerolog.Nop())
	return r, kb, opens
}

func TestResolveOpenBucketExact(t *testing.T) {
	r, kb, _ := newTestResolver()
	kb.Update("binance", "BTCUSDT", "1m", candle(120_000, 43100.0, 43150.0))

	open, source, ok := r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43150.0, false)
	if !ok || open != 43100.0 || source != SourceWSBucketOpen {
		t.Errorf("ResolveOpen = (%f, %s, %v), want (43100, %s, true)", open, source, ok, SourceWSBucketOpen)
	}

	// Second resolve comes from the cache with the same provenance.
	open, source, ok = r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43150.0, false)
	if !ok || open != 43100.0 || source != SourceWSBucketOpen {
		t.Errorf("cached ResolveOpen = (%f, %s, %v), want unchanged", open, source, ok)
	}
}

// TestResolveOpenPrevCloseTier covers the cold-bucket approximation: only the
// previous bucket's candle is buffered, so its close serves as the open.
func TestResolveOpenPrevCloseTier(t *testing.T) {
	r, kb, _ := newTestResolver()
	kb.Update("binance", "BTCUSDT", "1m", candle(60_000, 43100.0, 43120.5))

	open, source, ok := r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43125.0, false)
	if !ok || open != 43120.5 || source != SourceWSPrevClose {
		t.Errorf("ResolveOpen = (%f, %s, %v), want (43120.5, %s, true)", open, source, ok, SourceWSPrevClose)
	}
}

// TestResolveOpenMemoUpgrade verifies an approximate answer is superseded once
// the bucket's own kline arrives and the memo expires.
func TestResolveOpenMemoUpgrade(t *testing.T) {
	r, kb, _ := newTestResolver()
	kb.Update("binance", "BTCUSDT", "1m", candle(60_000, 43100.0, 43120.5))

	_, source, ok := r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43125.0, false)
	if !ok || source != SourceWSPrevClose {
		t.Fatalf("first resolve = (%s, %v), want prev close", source, ok)
	}

	// Within the memo window the approximation is reused even though the
	// bucket's kline is now buffered.
	kb.Update("binance", "BTCUSDT", "1m", candle(120_000, 43121.0, 43130.0))
	_, source, ok = r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43130.0, false)
	if !ok || source != SourceWSPrevClose {
		t.Errorf("memoized resolve = (%s, %v), want prev close within memo window", source, ok)
	}

	// After the memo expires the exact kline takes over.
	time.Sleep(60 * time.Millisecond)
	open, source, ok := r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43130.0, false)
	if !ok || open != 43121.0 || source != SourceWSBucketOpen {
		t.Errorf("post-memo resolve = (%f, %s, %v), want (43121, %s, true)", open, source, ok, SourceWSBucketOpen)
	}
}

// TestResolveOpenFallbackGating verifies the current-price tier serves only
// callers that allow it.
func TestResolveOpenFallbackGating(t *testing.T) {
	r, _, _ := newTestResolver()

	// Order path: cold buffer, no fallback allowed.
	if _, _, ok := r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43125.0, false); ok {
		t.Errorf("order path resolved a cold bucket without any source")
	}

	// Alert path: current price is acceptable.
	open, source, ok := r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43125.0, true)
	if !ok || open != 43125.0 || source != SourceFallbackCurrent {
		t.Errorf("alert path = (%f, %s, %v), want (43125, %s, true)", open, source, ok, SourceFallbackCurrent)
	}

	// The cached fallback must not leak into the order path.
	if _, _, ok := r.ResolveOpen(context.Background(), "binance", "BTCUSDT", "1m", 120_000, 43125.0, false); ok {
		t.Errorf("cached current-price fallback served the order path")
	}
}

func TestOpenPriceCacheRoundTrip(t *testing.T) {
	opens := NewOpenPriceCache(testOpenPriceConfig(), zerolog.Nop())

	if _, ok := opens.Get("binance", "BTCUSDT", "1m", 120_000); ok {
		t.Fatalf("empty cache reported a hit")
	}
	opens.Set("binance", "BTCUSDT", "1m", 120_000, 43100.0, SourceWSBucketOpen)
	entry, ok := opens.Get("binance", "BTCUSDT", "1m", 120_000)
	if !ok || entry.Open != 43100.0 || entry.Source != SourceWSBucketOpen {
		t.Errorf("Get = (%+v, %v), want the stored entry", entry, ok)
	}

	// Distinct buckets are distinct keys.
	if _, ok := opens.Get("binance", "BTCUSDT", "1m", 180_000); ok {
		t.Errorf("neighboring bucket reported a hit")
	}
}
