package detector

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"ocbot/internal/database"
	"ocbot/internal/exchange"
)

// MatchResult is one strategy whose OC threshold was crossed by a tick.
type MatchResult struct {
	Strategy     database.Strategy
	OCPercent    float64
	Direction    string
	CurrentPrice float64
	OpenPrice    float64
	OpenSource   string
	Interval     string
	BucketStart  int64
	Timestamp    int64
}

// StrategySource supplies candidate strategies per (venue, symbol).
type StrategySource interface {
	GetStrategies(venue, symbol string) []database.Strategy
}

// OpenResolver resolves the open price of a bucket with a provenance tag.
// allowPriceFallback permits the current-price last resort, which is only
// legal on the alert path.
type OpenResolver interface {
	ResolveOpen(ctx context.Context, venue, symbol, interval string, bucketStart int64, currentPrice float64, allowPriceFallback bool) (open float64, source string, ok bool)
}

// Detector is the match engine. It is safe for concurrent use; the only
// mutable state is the per-symbol last-processed price used by the noise gate.
type Detector struct {
	strategies StrategySource
	opens      OpenResolver

	// noiseThreshold is the minimum percent move against the last processed
	// price before a symbol is re-evaluated.
	noiseThreshold float64

	lastPrice sync.Map // "venue:symbol" -> float64

	evaluated atomic.Int64
	matched   atomic.Int64
	skipped   atomic.Int64

	log zerolog.Logger
}

// New creates a detector over the given strategy and open-price sources.
func New(strategies StrategySource, opens OpenResolver, noiseThreshold float64, log zerolog.Logger) *Detector {
	return &Detector{
		strategies:     strategies,
		opens:          opens,
		noiseThreshold: noiseThreshold,
		log:            log.With().Str("component", "detector").Logger(),
	}
}

// OCPercent computes the open-to-current percentage.
func OCPercent(open, current float64) float64 {
	if open <= 0 {
		return 0
	}
	return ((current - open) / open) * 100
}

// DetectTick evaluates one tick against all cached strategies for its symbol.
// Invalid ticks and symbols without strategies return an empty set.
func (d *Detector) DetectTick(ctx context.Context, tick exchange.Tick) []MatchResult {
	if tick.Venue == "" || tick.Symbol == "" {
		return nil
	}
	if tick.Price <= 0 || math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		return nil
	}

	symbol := NormalizeSymbol(tick.Symbol)
	candidates := d.strategies.GetStrategies(tick.Venue, symbol)
	if len(candidates) == 0 {
		return nil
	}

	// Noise gate: skip re-evaluation when the price barely moved since the
	// last tick we actually processed for this symbol.
	key := tick.Venue + ":" + symbol
	if prev, ok := d.lastPrice.Load(key); ok {
		prevPrice := prev.(float64)
		if prevPrice > 0 && math.Abs(OCPercent(prevPrice, tick.Price)) < d.noiseThreshold {
			d.skipped.Add(1)
			return nil
		}
	}
	d.lastPrice.Store(key, tick.Price)
	d.evaluated.Add(1)

	var matches []MatchResult
	for _, strat := range candidates {
		intervalMs, err := IntervalMs(strat.Interval)
		if err != nil {
			d.log.Warn().
				Int64("strategy_id", strat.ID).
				Str("interval", strat.Interval).
				Msg("strategy has unsupported interval")
			continue
		}
		bucketStart := BucketStart(tick.Timestamp, intervalMs)

		open, source, ok := d.opens.ResolveOpen(ctx, tick.Venue, symbol, strat.Interval, bucketStart, tick.Price, false)
		if !ok || open <= 0 {
			continue
		}

		oc := OCPercent(open, tick.Price)
		if math.Abs(oc) < strat.OCThreshold {
			continue
		}

		direction := DirectionBearish
		if tick.Price >= open {
			direction = DirectionBullish
		}
		matches = append(matches, MatchResult{
			Strategy:     strat,
			OCPercent:    oc,
			Direction:    direction,
			CurrentPrice: tick.Price,
			OpenPrice:    open,
			OpenSource:   source,
			Interval:     strat.Interval,
			BucketStart:  bucketStart,
			Timestamp:    tick.Timestamp,
		})
	}

	if len(matches) > 0 {
		d.matched.Add(int64(len(matches)))
	}
	return matches
}

// GetStats returns detector counters for the status endpoint.
func (d *Detector) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"evaluated":     d.evaluated.Load(),
		"matched":       d.matched.Load(),
		"noise_skipped": d.skipped.Load(),
	}
}
