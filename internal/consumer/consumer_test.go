package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/database"
	"ocbot/internal/detector"
	"ocbot/internal/exchange"
)

type staticStrategies struct {
	strategies []database.Strategy
}

func (s *staticStrategies) GetStrategies(venue, symbol string) []database.Strategy {
	out := make([]database.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		if st.Venue == venue && detector.NormalizeSymbol(st.Symbol) == symbol {
			out = append(out, st)
		}
	}
	return out
}

type staticResolver struct {
	open float64
}

func (s *staticResolver) ResolveOpen(context.Context, string, string, string, int64, float64, bool) (float64, string, bool) {
	return s.open, "ws_bucket_open", s.open > 0
}

func testConsumerConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		QueueCapacity:     64,
		MinTickIntervalMs: 0,
		BatchSize:         10,
		BatchTimeoutMs:    10,
		TickConcurrency:   4,
	}
}

func tickAt(venue, symbol string, price float64, ts int64) exchange.Tick {
	return exchange.Tick{Venue: venue, Symbol: symbol, Price: price, Timestamp: ts}
}

func TestDedupe(t *testing.T) {
	batch := []exchange.Tick{
		tickAt("binance", "BTCUSDT", 100, 1000),
		tickAt("binance", "BTCUSDT", 101, 2000),
		tickAt("binance", "ETHUSDT", 2000, 1500),
		tickAt("bybit", "BTCUSDT", 100.5, 1800),
		tickAt("binance", "BTCUSDT", 102, 3000),
	}

	out := dedupe(batch)
	if len(out) != 3 {
		t.Fatalf("dedupe kept %d ticks, want 3", len(out))
	}
	byKey := make(map[string]exchange.Tick)
	for _, tk := range out {
		byKey[tk.Venue+":"+tk.Symbol] = tk
	}
	if tk := byKey["binance:BTCUSDT"]; tk.Price != 102 || tk.Timestamp != 3000 {
		t.Errorf("binance:BTCUSDT = %+v, want the newest tick", tk)
	}
	if tk := byKey["bybit:BTCUSDT"]; tk.Price != 100.5 {
		t.Errorf("bybit tick lost in dedupe: %+v", tk)
	}
}

func TestPushInvalidPrice(t *testing.T) {
	c := New(testConsumerConfig(), nil, nil, nil, nil, zerolog.Nop())
	c.Push(tickAt("binance", "BTCUSDT", 0, 1000))
	c.Push(tickAt("binance", "BTCUSDT", -1, 1000))
	if depth := len(c.queue); depth != 0 {
		t.Errorf("invalid ticks enqueued, depth %d", depth)
	}
}

// TestPushThrottle verifies ticks inside the per-symbol window are dropped
// before the queue.
func TestPushThrottle(t *testing.T) {
	cfg := testConsumerConfig()
	cfg.MinTickIntervalMs = 60_000
	c := New(cfg, nil, nil, nil, nil, zerolog.Nop())

	// Simulate a recent processing of the symbol.
	c.throttleMu.Lock()
	c.lastProcessed["binance:BTCUSDT"] = time.Now()
	c.throttleMu.Unlock()

	c.Push(tickAt("binance", "BTCUSDT", 100, 1000))
	if depth := len(c.queue); depth != 0 {
		t.Errorf("throttled tick enqueued, depth %d", depth)
	}
	stats := c.GetStats()
	if stats["throttled"].(int64) != 1 {
		t.Errorf("throttled counter = %v, want 1", stats["throttled"])
	}

	// A different symbol is unaffected.
	c.Push(tickAt("binance", "ETHUSDT", 2000, 1000))
	if depth := len(c.queue); depth != 1 {
		t.Errorf("unthrottled tick missing, depth %d", depth)
	}
}

// TestPushOverflow verifies the queue drops the oldest tick, never the caller.
func TestPushOverflow(t *testing.T) {
	cfg := testConsumerConfig()
	cfg.QueueCapacity = 2
	c := New(cfg, nil, nil, nil, nil, zerolog.Nop())

	c.Push(tickAt("binance", "AUSDT", 1, 1000))
	c.Push(tickAt("binance", "BUSDT", 2, 2000))
	c.Push(tickAt("binance", "CUSDT", 3, 3000))

	if depth := len(c.queue); depth != 2 {
		t.Fatalf("queue depth = %d, want 2", depth)
	}
	stats := c.GetStats()
	if stats["dropped_overflow"].(int64) != 1 {
		t.Errorf("dropped_overflow = %v, want 1", stats["dropped_overflow"])
	}

	// The oldest tick went overboard; the two newest remain in order.
	first := <-c.queue
	second := <-c.queue
	if first.Symbol != "BUSDT" || second.Symbol != "CUSDT" {
		t.Errorf("queue order after overflow = [%s %s], want [BUSDT CUSDT]", first.Symbol, second.Symbol)
	}
}

// TestRunDispatchesMatches runs the full loop over a real detector with fakes
// behind it.
func TestRunDispatchesMatches(t *testing.T) {
	strategies := &staticStrategies{strategies: []database.Strategy{{
		ID:          1,
		BotID:       1,
		Venue:       "binance",
		Symbol:      "BTCUSDT",
		Interval:    "1m",
		OCThreshold: 5,
		TradeType:   database.TradeTypeBoth,
	}}}
	det := detector.New(strategies, &staticResolver{open: 100.0}, 0, zerolog.Nop())

	var mu sync.Mutex
	var got []detector.MatchResult
	onMatch := func(_ context.Context, m detector.MatchResult) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}

	c := New(testConsumerConfig(), det, nil, onMatch, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	c.Push(tickAt("binance", "BTCUSDT", 106.0, 1_700_000_030_000))
	c.Push(tickAt("binance", "ETHUSDT", 103.0, 1_700_000_030_000)) // no strategy

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no match dispatched within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("dispatched %d matches, want 1", len(got))
	}
	if got[0].Strategy.ID != 1 || got[0].OCPercent != 6.0 {
		t.Errorf("match = %+v, want strategy 1 at +6%%", got[0])
	}
}
