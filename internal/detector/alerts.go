package detector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/database"
	"ocbot/internal/exchange"
)

// AlertWatcher is one price-alert configuration expanded for fast lookup.
type AlertWatcher struct {
	ConfigID  int64
	Venue     string
	Symbols   map[string]struct{}
	Intervals []string
	Threshold float64
	ChatID    string
}

// Alert is one emitted price alert, ready for the dispatcher.
type Alert struct {
	ChatID    string
	Venue     string
	Symbol    string
	Interval  string
	OCPercent float64
	Price     float64
	Open      float64
	Source    string
}

// alertState gates repeated alerts per (config, venue, symbol, interval).
// An alert disarms its key; the key re-arms once |oc| retraces below
// threshold times the rearm ratio.
type alertState struct {
	lastAlertAt time.Time
	armed       bool
}

type alertConfigSource interface {
	ListAlertConfigs(ctx context.Context) ([]database.PriceAlertConfig, error)
}

// AlertManager evaluates ticks against price-alert configurations. Watchers
// are rebuilt periodically from the store; evaluation runs on the tick path.
type AlertManager struct {
	store alertConfigSource
	opens OpenResolver
	cfg   config.AlertConfig
	log   zerolog.Logger

	mu       sync.RWMutex
	watchers []AlertWatcher

	stateMu sync.Mutex
	states  map[string]*alertState
}

// NewAlertManager creates the alert evaluator.
func NewAlertManager(store alertConfigSource, opens OpenResolver, cfg config.AlertConfig, log zerolog.Logger) *AlertManager {
	return &AlertManager{
		store:  store,
		opens:  opens,
		cfg:    cfg,
		log:    log.With().Str("component", "alerts").Logger(),
		states: make(map[string]*alertState),
	}
}

// Refresh rebuilds the watcher set from the store.
func (am *AlertManager) Refresh(ctx context.Context) error {
	configs, err := am.store.ListAlertConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert configs: %w", err)
	}

	watchers := make([]AlertWatcher, 0, len(configs))
	for _, c := range configs {
		symbols := make(map[string]struct{}, len(c.Symbols))
		for _, s := range c.Symbols {
			symbols[NormalizeSymbol(s)] = struct{}{}
		}
		intervals := make([]string, 0, len(c.Intervals))
		for _, iv := range c.Intervals {
			if _, err := IntervalMs(iv); err != nil {
				am.log.Warn().
					Int64("config_id", c.ID).
					Str("interval", iv).
					Msg("alert config has unsupported interval")
				continue
			}
			intervals = append(intervals, iv)
		}
		watchers = append(watchers, AlertWatcher{
			ConfigID:  c.ID,
			Venue:     c.Venue,
			Symbols:   symbols,
			Intervals: intervals,
			Threshold: c.ThresholdPercent,
			ChatID:    c.ChatID,
		})
	}

	am.mu.Lock()
	am.watchers = watchers
	am.mu.Unlock()

	am.log.Debug().Int("watchers", len(watchers)).Msg("alert watchers refreshed")
	return nil
}

// Run refreshes the watcher set until ctx is cancelled.
func (am *AlertManager) Run(ctx context.Context) {
	interval := time.Duration(am.cfg.RefreshSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := am.Refresh(ctx); err != nil {
				am.log.Error().Err(err).Msg("alert refresh failed")
			}
		}
	}
}

// Evaluate checks one tick against all matching watchers. The alert path may
// fall back to the current price as bucket open, so an alert is always
// resolvable even when the kline buffers are cold.
func (am *AlertManager) Evaluate(ctx context.Context, tick exchange.Tick) []Alert {
	if tick.Price <= 0 || math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		return nil
	}
	symbol := NormalizeSymbol(tick.Symbol)

	am.mu.RLock()
	watchers := am.watchers
	am.mu.RUnlock()

	var alerts []Alert
	for _, w := range watchers {
		if w.Venue != tick.Venue {
			continue
		}
		if _, ok := w.Symbols[symbol]; !ok {
			continue
		}
		for _, interval := range w.Intervals {
			intervalMs, err := IntervalMs(interval)
			if err != nil {
				continue
			}
			bucketStart := BucketStart(tick.Timestamp, intervalMs)
			open, source, ok := am.opens.ResolveOpen(ctx, tick.Venue, symbol, interval, bucketStart, tick.Price, true)
			if !ok || open <= 0 {
				continue
			}

			oc := OCPercent(open, tick.Price)
			if alert := am.evaluateState(w, symbol, interval, oc); alert {
				alerts = append(alerts, Alert{
					ChatID:    w.ChatID,
					Venue:     tick.Venue,
					Symbol:    symbol,
					Interval:  interval,
					OCPercent: oc,
					Price:     tick.Price,
					Open:      open,
					Source:    source,
				})
			}
		}
	}
	return alerts
}

// evaluateState applies the arming rule and reports whether to emit.
func (am *AlertManager) evaluateState(w AlertWatcher, symbol, interval string, oc float64) bool {
	key := fmt.Sprintf("%d:%s:%s:%s", w.ConfigID, w.Venue, symbol, interval)
	absOC := math.Abs(oc)

	am.stateMu.Lock()
	defer am.stateMu.Unlock()

	st, ok := am.states[key]
	if !ok {
		st = &alertState{armed: true}
		am.states[key] = st
	}

	if absOC < w.Threshold*am.cfg.RearmRatio {
		st.armed = true
		return false
	}
	if absOC < w.Threshold {
		return false
	}
	if !st.armed {
		return false
	}
	minGap := time.Duration(am.cfg.MinAlertGapSec) * time.Second
	if time.Since(st.lastAlertAt) < minGap {
		return false
	}

	st.armed = false
	st.lastAlertAt = time.Now()
	return true
}

// Symbols returns the distinct watched symbols for a venue, used to extend
// the WebSocket subscription sets.
func (am *AlertManager) Symbols(venue string) []string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	seen := make(map[string]struct{})
	var symbols []string
	for _, w := range am.watchers {
		if w.Venue != venue {
			continue
		}
		for s := range w.Symbols {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				symbols = append(symbols, s)
			}
		}
	}
	return symbols
}

// Intervals returns the distinct watched intervals for a venue.
func (am *AlertManager) Intervals(venue string) []string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	seen := make(map[string]struct{})
	var intervals []string
	for _, w := range am.watchers {
		if w.Venue != venue {
			continue
		}
		for _, iv := range w.Intervals {
			if _, ok := seen[iv]; !ok {
				seen[iv] = struct{}{}
				intervals = append(intervals, iv)
			}
		}
	}
	return intervals
}

// GetStats returns watcher counts for the status endpoint.
func (am *AlertManager) GetStats() map[string]interface{} {
	am.mu.RLock()
	watchers := len(am.watchers)
	am.mu.RUnlock()
	am.stateMu.Lock()
	states := len(am.states)
	am.stateMu.Unlock()
	return map[string]interface{}{
		"watchers": watchers,
		"states":   states,
	}
}
