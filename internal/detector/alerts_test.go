package detector

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/database"
	"ocbot/internal/exchange"
)

type fakeAlertStore struct {
	configs []database.PriceAlertConfig
}

func (f *fakeAlertStore) ListAlertConfigs(_ context.Context) ([]database.PriceAlertConfig, error) {
	return f.configs, nil
}

type recordingResolver struct {
	open         float64
	lastFallback bool
}

func (r *recordingResolver) ResolveOpen(_ context.Context, _, _, _ string, _ int64, _ float64, allowFallback bool) (float64, string, bool) {
	r.lastFallback = allowFallback
	return r.open, "ws_bucket_open", r.open > 0
}

func newTestAlertManager(t *testing.T, threshold float64, resolver *recordingResolver) *AlertManager {
	t.Helper()
	store := &fakeAlertStore{configs: []database.PriceAlertConfig{{
		ID:               1,
		Venue:            "binance",
		Symbols:          []string{"btcusdt"},
		Intervals:        []string{"1m"},
		ThresholdPercent: threshold,
		ChatID:           "-100123",
		IsActive:         true,
	}}}
	am := NewAlertManager(store, resolver, config.AlertConfig{RearmRatio: 0.6}, zerolog.Nop())
	if err := am.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return am
}

func alertTick(price float64) exchange.Tick {
	return exchange.Tick{Venue: "binance", Symbol: "BTCUSDT", Price: price, Timestamp: 1_700_000_030_000}
}

// TestAlertRearmCycle walks a full fire, suppress, re-arm, fire cycle.
func TestAlertRearmCycle(t *testing.T) {
	resolver := &recordingResolver{open: 100.0}
	am := newTestAlertManager(t, 2.0, resolver)
	ctx := context.Background()

	// Crossing the threshold fires once.
	alerts := am.Evaluate(ctx, alertTick(102.5))
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert at +2.5%%, got %d", len(alerts))
	}
	if alerts[0].ChatID != "-100123" || alerts[0].Symbol != "BTCUSDT" {
		t.Errorf("unexpected alert fields: %+v", alerts[0])
	}

	// Still above threshold: disarmed, no repeat.
	if alerts := am.Evaluate(ctx, alertTick(102.6)); len(alerts) != 0 {
		t.Errorf("expected no alert while disarmed, got %d", len(alerts))
	}

	// Retraces below threshold but above the rearm level (1.2%): stays off.
	if alerts := am.Evaluate(ctx, alertTick(101.5)); len(alerts) != 0 {
		t.Errorf("expected no alert above rearm level, got %d", len(alerts))
	}
	if alerts := am.Evaluate(ctx, alertTick(102.5)); len(alerts) != 0 {
		t.Errorf("expected no alert before rearm, got %d", len(alerts))
	}

	// Drops under threshold*0.6: re-arms.
	if alerts := am.Evaluate(ctx, alertTick(101.0)); len(alerts) != 0 {
		t.Errorf("re-arming tick should not alert, got %d", len(alerts))
	}
	if alerts := am.Evaluate(ctx, alertTick(102.5)); len(alerts) != 1 {
		t.Errorf("expected alert after re-arm, got %d", len(alerts))
	}
}

// TestAlertUsesFallbackTier verifies the alert path allows the current-price
// open fallback.
func TestAlertUsesFallbackTier(t *testing.T) {
	resolver := &recordingResolver{open: 100.0}
	am := newTestAlertManager(t, 2.0, resolver)

	am.Evaluate(context.Background(), alertTick(103.0))
	if !resolver.lastFallback {
		t.Errorf("alert path resolved open without the fallback tier enabled")
	}
}

func TestAlertIgnoresOtherVenue(t *testing.T) {
	resolver := &recordingResolver{open: 100.0}
	am := newTestAlertManager(t, 2.0, resolver)

	tk := exchange.Tick{Venue: "bybit", Symbol: "BTCUSDT", Price: 103.0, Timestamp: 1_700_000_030_000}
	if alerts := am.Evaluate(context.Background(), tk); len(alerts) != 0 {
		t.Errorf("expected no alerts for unwatched venue, got %d", len(alerts))
	}
}

func TestAlertBearishMove(t *testing.T) {
	resolver := &recordingResolver{open: 100.0}
	am := newTestAlertManager(t, 2.0, resolver)

	alerts := am.Evaluate(context.Background(), alertTick(97.0))
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert at -3%%, got %d", len(alerts))
	}
	if alerts[0].OCPercent >= 0 {
		t.Errorf("OCPercent = %f, want negative", alerts[0].OCPercent)
	}
}
