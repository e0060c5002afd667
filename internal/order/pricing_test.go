package order

import (
	"errors"
	"math"
	"testing"

	"ocbot/internal/database"
	"ocbot/internal/detector"
	"ocbot/internal/exchange"
)

func testFilter() database.SymbolFilter {
	return database.SymbolFilter{
		Venue:       "binance",
		Symbol:      "BTCUSDT",
		TickSize:    0.000001,
		StepSize:    1,
		MinNotional: 5,
	}
}

func reverseMatch(open, current float64, extend int) detector.MatchResult {
	return detector.MatchResult{
		Strategy: database.Strategy{
			ID:                1,
			BotID:             1,
			Venue:             "binance",
			Symbol:            "BTCUSDT",
			Interval:          "1m",
			OCThreshold:       3,
			TradeType:         database.TradeTypeLong,
			IsReverseStrategy: true,
			Extend:            extend,
			TakeProfit:        55,
			Stoploss:          20,
			Amount:            100,
		},
		OpenPrice:    open,
		CurrentPrice: current,
	}
}

// TestBuildQuoteCounterTrendLong prices the counter-trend long: open 0.07811,
// current 0.07500, extend 50 puts the entry half a delta below the tick.
func TestBuildQuoteCounterTrendLong(t *testing.T) {
	q, err := BuildQuote(reverseMatch(0.07811, 0.07500, 50), database.SideLong, testFilter(), NewAnchors(), 0.5, false)
	if err != nil {
		t.Fatalf("BuildQuote: %v", err)
	}

	if q.OrderType != exchange.OrderTypeLimit {
		t.Errorf("OrderType = %s, want LIMIT", q.OrderType)
	}
	if q.PassiveLimit {
		t.Errorf("extend 50 is inside the admission window, PassiveLimit should be false")
	}
	if math.Abs(q.Entry-0.073445) > 1e-9 {
		t.Errorf("Entry = %.6f, want 0.073445", q.Entry)
	}
	if math.Abs(q.TakeProfit-0.077484) > 1e-9 {
		t.Errorf("TakeProfit = %.6f, want 0.077484", q.TakeProfit)
	}
	if q.StopLoss == nil {
		t.Fatalf("StopLoss is nil, want 0.071976")
	}
	if math.Abs(*q.StopLoss-0.071976) > 1e-9 {
		t.Errorf("StopLoss = %.6f, want 0.071976", *q.StopLoss)
	}
	if q.Quantity != 1361 {
		t.Errorf("Quantity = %f, want 1361", q.Quantity)
	}
}

// TestBuildQuoteExtendBoundaries covers extend 0 (entry at current) and the
// admission window around max_diff_ratio 0.5.
func TestBuildQuoteExtendBoundaries(t *testing.T) {
	filter := database.SymbolFilter{TickSize: 0.000001, StepSize: 1, MinNotional: 5}

	// extend = 0: entry is the current price, no admission check.
	q, err := BuildQuote(reverseMatch(0.07811, 0.07500, 0), database.SideLong, filter, NewAnchors(), 0.5, false)
	if err != nil {
		t.Fatalf("extend 0: %v", err)
	}
	if q.Entry != 0.07500 {
		t.Errorf("extend 0: Entry = %.6f, want current 0.075", q.Entry)
	}

	// extend = 40 and 50 sit inside the window.
	for _, extend := range []int{40, 50} {
		q, err := BuildQuote(reverseMatch(0.07811, 0.07500, extend), database.SideLong, filter, NewAnchors(), 0.5, false)
		if err != nil {
			t.Fatalf("extend %d: %v", extend, err)
		}
		if q.PassiveLimit {
			t.Errorf("extend %d: unexpected passive limit", extend)
		}
	}

	// extend = 60 misses: skip or passive limit by configuration.
	if _, err := BuildQuote(reverseMatch(0.07811, 0.07500, 60), database.SideLong, filter, NewAnchors(), 0.5, false); !errors.Is(err, ErrExtendMiss) {
		t.Errorf("extend 60 strict: err = %v, want ErrExtendMiss", err)
	}
	q, err = BuildQuote(reverseMatch(0.07811, 0.07500, 60), database.SideLong, filter, NewAnchors(), 0.5, true)
	if err != nil {
		t.Fatalf("extend 60 passive: %v", err)
	}
	if !q.PassiveLimit {
		t.Errorf("extend 60 passive: PassiveLimit = false, want true")
	}

	// extend = 100: entry a full delta beyond current.
	q, err = BuildQuote(reverseMatch(0.07811, 0.07500, 100), database.SideLong, filter, NewAnchors(), 0.5, true)
	if err != nil {
		t.Fatalf("extend 100: %v", err)
	}
	if math.Abs(q.Entry-0.07189) > 1e-9 {
		t.Errorf("extend 100: Entry = %.6f, want 0.07189", q.Entry)
	}
}

// TestBuildQuoteAnchoredAdmission replays one bucket: the first crossing at
// 1.000 (open 0.900, extend 50) anchors entry 0.950 and delta 0.100, and
// later ticks are admitted against that fixed entry — 0.990 admits at 0.40,
// 1.000 admits at the 0.50 boundary, 1.010 misses at 0.60. A new bucket
// re-anchors from its own first tick.
func TestBuildQuoteAnchoredAdmission(t *testing.T) {
	filter := database.SymbolFilter{TickSize: 0.001, StepSize: 1, MinNotional: 5}
	anchors := NewAnchors()

	match := func(current float64) detector.MatchResult {
		m := reverseMatch(0.900, current, 50)
		m.BucketStart = 1_700_000_000_000
		return m
	}

	first, err := BuildQuote(match(1.000), database.SideLong, filter, anchors, 0.5, false)
	if err != nil {
		t.Fatalf("trigger tick: %v", err)
	}
	if math.Abs(first.Entry-0.950) > 1e-9 {
		t.Fatalf("anchored entry = %.6f, want 0.950", first.Entry)
	}

	pullback, err := BuildQuote(match(0.990), database.SideLong, filter, anchors, 0.5, false)
	if err != nil {
		t.Fatalf("pullback tick at 0.990: %v", err)
	}
	if math.Abs(pullback.Entry-0.950) > 1e-9 {
		t.Errorf("pullback tick entry = %.6f, want the anchored 0.950", pullback.Entry)
	}

	if _, err := BuildQuote(match(1.000), database.SideLong, filter, anchors, 0.5, false); err != nil {
		t.Errorf("tick at the 0.50 boundary: %v, want admitted", err)
	}

	if _, err := BuildQuote(match(1.010), database.SideLong, filter, anchors, 0.5, false); !errors.Is(err, ErrExtendMiss) {
		t.Errorf("tick at 1.010: err = %v, want ErrExtendMiss against the anchor", err)
	}

	// The same tick in the next bucket anchors fresh: entry 1.010 - 0.055.
	m := match(1.010)
	m.BucketStart += 60_000
	q, err := BuildQuote(m, database.SideLong, filter, anchors, 0.5, false)
	if err != nil {
		t.Fatalf("next bucket: %v", err)
	}
	if math.Abs(q.Entry-0.955) > 1e-9 {
		t.Errorf("next bucket entry = %.6f, want a fresh 0.955", q.Entry)
	}
}

func TestBuildQuoteCounterTrendShort(t *testing.T) {
	m := reverseMatch(0.900, 1.000, 50)
	m.Strategy.TradeType = database.TradeTypeShort
	filter := database.SymbolFilter{TickSize: 0.001, StepSize: 1, MinNotional: 5}

	q, err := BuildQuote(m, database.SideShort, filter, NewAnchors(), 0.5, false)
	if err != nil {
		t.Fatalf("BuildQuote: %v", err)
	}
	if q.OrderType != exchange.OrderTypeLimit {
		t.Errorf("OrderType = %s, want LIMIT", q.OrderType)
	}
	if math.Abs(q.Entry-1.050) > 1e-9 {
		t.Errorf("Entry = %.3f, want 1.050", q.Entry)
	}
	// Short TP sits below entry, SL above.
	if q.TakeProfit >= q.Entry {
		t.Errorf("TakeProfit = %.3f, want below entry %.3f", q.TakeProfit, q.Entry)
	}
	if q.StopLoss == nil || *q.StopLoss <= q.Entry {
		t.Errorf("StopLoss = %v, want above entry %.3f", q.StopLoss, q.Entry)
	}
}

// TestBuildQuoteTrendFollowing verifies the market path: entry at current,
// extend ignored.
func TestBuildQuoteTrendFollowing(t *testing.T) {
	m := reverseMatch(100.0, 106.0, 80)
	m.Strategy.IsReverseStrategy = false
	filter := database.SymbolFilter{TickSize: 0.01, StepSize: 0.001, MinNotional: 5}

	q, err := BuildQuote(m, database.SideLong, filter, NewAnchors(), 0.5, false)
	if err != nil {
		t.Fatalf("BuildQuote: %v", err)
	}
	if q.OrderType != exchange.OrderTypeMarket {
		t.Errorf("OrderType = %s, want MARKET", q.OrderType)
	}
	if q.Entry != 106.0 {
		t.Errorf("Entry = %f, want current 106", q.Entry)
	}
	if q.PassiveLimit {
		t.Errorf("market orders never carry PassiveLimit")
	}
}

func TestBuildQuoteNoStoploss(t *testing.T) {
	m := reverseMatch(100.0, 106.0, 0)
	m.Strategy.IsReverseStrategy = false
	m.Strategy.Stoploss = 0
	filter := database.SymbolFilter{TickSize: 0.01, StepSize: 0.001, MinNotional: 5}

	q, err := BuildQuote(m, database.SideLong, filter, NewAnchors(), 0.5, false)
	if err != nil {
		t.Fatalf("BuildQuote: %v", err)
	}
	if q.StopLoss != nil {
		t.Errorf("StopLoss = %v, want nil when stoploss is 0", *q.StopLoss)
	}
}

// TestBuildQuoteMinNotional covers the one-step bump and the refusal below it.
func TestBuildQuoteMinNotional(t *testing.T) {
	m := reverseMatch(100.0, 100.0, 0)
	m.Strategy.IsReverseStrategy = false
	m.Strategy.Amount = 5

	// 5/100 = 0.05 qty, notional 5.0; one step up clears 5.5.
	filter := database.SymbolFilter{TickSize: 0.01, StepSize: 0.01, MinNotional: 5.5}
	q, err := BuildQuote(m, database.SideLong, filter, NewAnchors(), 0.5, false)
	if err != nil {
		t.Fatalf("bump case: %v", err)
	}
	if q.Quantity != 0.06 {
		t.Errorf("Quantity = %v, want exactly 0.06 on the step grid after the bump", q.Quantity)
	}

	// One step is not enough for 10.0: refuse.
	filter.MinNotional = 10
	if _, err := BuildQuote(m, database.SideLong, filter, NewAnchors(), 0.5, false); !errors.Is(err, ErrBelowMinNotional) {
		t.Errorf("refusal case: err = %v, want ErrBelowMinNotional", err)
	}
}

func TestBuildQuoteZeroQuantity(t *testing.T) {
	m := reverseMatch(100.0, 100.0, 0)
	m.Strategy.IsReverseStrategy = false
	m.Strategy.Amount = 0.0001
	filter := database.SymbolFilter{TickSize: 0.01, StepSize: 0.01, MinNotional: 5}

	if _, err := BuildQuote(m, database.SideLong, filter, NewAnchors(), 0.5, false); !errors.Is(err, ErrZeroQuantity) {
		t.Errorf("err = %v, want ErrZeroQuantity", err)
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price float64
		tick  float64
		want  float64
	}{
		{0.0774844, 0.000001, 0.077484},
		{0.0719761, 0.000001, 0.071976},
		{43120.37, 0.1, 43120.4},
		{43120.34, 0.1, 43120.3},
		{100.0, 0, 100.0},
	}
	for _, tt := range tests {
		if got := RoundToTick(tt.price, tt.tick); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		qty  float64
		step float64
		want float64
	}{
		{1361.56, 1, 1361},
		{0.0599, 0.01, 0.05},
		{0.1, 0.001, 0.1},
		{2.5, 0, 2.5},
	}
	for _, tt := range tests {
		if got := FloorToStep(tt.qty, tt.step); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("FloorToStep(%v, %v) = %v, want %v", tt.qty, tt.step, got, tt.want)
		}
	}
}
